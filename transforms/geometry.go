package transforms

import (
	"image"
	"image/color"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
)

// ErrInvalidSize is returned for non-positive target sizes.
var ErrInvalidSize = errors.New("invalid target size")

// Resize scales the image to Width x Height, ignoring aspect ratio.
type Resize struct {
	Width  int
	Height int
	// Interpolation used for pixels; masks always use nearest neighbour.
	Interpolation resize.InterpolationFunction
}

// NewResize returns a Lanczos3 resize to width x height.
func NewResize(width, height int) *Resize {
	return &Resize{Width: width, Height: height, Interpolation: resize.Lanczos3}
}

// Apply resizes pixels, scales boxes and resamples masks.
func (t *Resize) Apply(r *records.Record) error {
	if t.Width <= 0 || t.Height <= 0 {
		return errors.Wrapf(ErrInvalidSize, "%dx%d", t.Width, t.Height)
	}
	img, err := r.Image()
	if err != nil {
		return err
	}
	return resizeRecord(r, img, t.Width, t.Height, t.Interpolation)
}

func resizeRecord(r *records.Record, img image.Image, width, height int, interp resize.InterpolationFunction) error {
	b := img.Bounds()
	sx := float32(width) / float32(b.Dx())
	sy := float32(height) / float32(b.Dy())

	r.SetImage(resize.Resize(uint(width), uint(height), img, interp))
	for i, box := range r.Detection.BBoxes {
		r.Detection.BBoxes[i] = box.Scale(sx, sy)
	}
	return mapMasks(&r.Detection, func(layer common.MaskArray) common.MaskArray {
		return common.MaskFromImage(resize.Resize(uint(width), uint(height), layer.ToGray(0), resize.NearestNeighbor))
	})
}

// LongestMaxSize scales the image so its longest side equals Size, keeping the
// aspect ratio.
type LongestMaxSize struct {
	Size int
}

// Apply resizes r so max(width, height) == Size.
func (t LongestMaxSize) Apply(r *records.Record) error {
	if t.Size <= 0 {
		return errors.Wrapf(ErrInvalidSize, "%d", t.Size)
	}
	img, err := r.Image()
	if err != nil {
		return err
	}
	b := img.Bounds()
	w, h := t.Size, t.Size
	if b.Dx() >= b.Dy() {
		h = max(1, b.Dy()*t.Size/b.Dx())
	} else {
		w = max(1, b.Dx()*t.Size/b.Dy())
	}
	return resizeRecord(r, img, w, h, resize.Lanczos3)
}

// Pad extends the canvas to Width x Height, anchoring the image at the top-left
// corner. Boxes keep their coordinates.
type Pad struct {
	Width  int
	Height int
	Fill   color.Color
}

// Apply pads r. Images larger than the canvas are an error.
func (t Pad) Apply(r *records.Record) error {
	img, err := r.Image()
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() > t.Width || b.Dy() > t.Height {
		return errors.Wrapf(ErrInvalidSize, "cannot pad %dx%d into %dx%d", b.Dx(), b.Dy(), t.Width, t.Height)
	}
	fill := t.Fill
	if fill == nil {
		fill = color.Black
	}

	canvas := imaging.New(t.Width, t.Height, fill)
	r.SetImage(imaging.Paste(canvas, img, image.Point{}))
	return mapMasks(&r.Detection, func(layer common.MaskArray) common.MaskArray {
		out := common.NewMaskArray(t.Height, t.Width)
		for y := 0; y < layer.Height; y++ {
			copy(out.Data[y*t.Width:y*t.Width+layer.Width], layer.Data[y*layer.Width:(y+1)*layer.Width])
		}
		return out
	})
}

// ResizeAndPad scales the longest side to size and pads to a size x size square.
func ResizeAndPad(size int) Compose {
	return Compose{LongestMaxSize{Size: size}, Pad{Width: size, Height: size}}
}

// Crop cuts the Rect region out of the image. Boxes are shifted and clipped to
// the region; boxes left without area are dropped with their labels and scores.
type Crop struct {
	Rect image.Rectangle
}

// Apply crops r.
func (t Crop) Apply(r *records.Record) error {
	img, err := r.Image()
	if err != nil {
		return err
	}
	rect := t.Rect.Intersect(img.Bounds())
	if rect.Empty() {
		return errors.Wrapf(ErrInvalidSize, "crop %v outside %v", t.Rect, img.Bounds())
	}

	r.SetImage(imaging.Crop(img, rect))
	w, h := float32(rect.Dx()), float32(rect.Dy())
	dx, dy := float32(rect.Min.X), float32(rect.Min.Y)
	for i, box := range r.Detection.BBoxes {
		r.Detection.BBoxes[i] = common.FromXYXY(box.Xmin-dx, box.Ymin-dy, box.Xmax-dx, box.Ymax-dy).Clip(w, h)
	}
	keepBoxes(&r.Detection, func(i int) bool { return r.Detection.BBoxes[i].Area() > 0 })

	return mapMasks(&r.Detection, func(layer common.MaskArray) common.MaskArray {
		out := common.NewMaskArray(rect.Dy(), rect.Dx())
		for y := 0; y < rect.Dy(); y++ {
			src := (rect.Min.Y + y) * layer.Width
			copy(out.Data[y*rect.Dx():(y+1)*rect.Dx()], layer.Data[src+rect.Min.X:src+rect.Max.X])
		}
		return out
	})
}

// HorizontalFlip mirrors the record left to right with probability P.
type HorizontalFlip struct {
	P float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHorizontalFlip returns a flip drawing from a generator seeded with seed.
func NewHorizontalFlip(p float64, seed uint64) *HorizontalFlip {
	return &HorizontalFlip{P: p, rng: rand.New(rand.NewPCG(seed, seed))}
}

func (t *HorizontalFlip) roll() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(0, 0))
	}
	return t.rng.Float64() < t.P
}

// Apply flips r when the draw succeeds.
func (t *HorizontalFlip) Apply(r *records.Record) error {
	img, err := r.Image()
	if err != nil {
		return err
	}
	if !t.roll() {
		return nil
	}
	return flip(r, img)
}

func flip(r *records.Record, img image.Image) error {
	width := float32(img.Bounds().Dx())
	r.SetImage(imaging.FlipH(img))
	for i, box := range r.Detection.BBoxes {
		r.Detection.BBoxes[i] = box.FlipH(width)
	}
	return mapMasks(&r.Detection, func(layer common.MaskArray) common.MaskArray {
		return common.MaskFromImage(imaging.FlipH(layer.ToGray(0)))
	})
}
