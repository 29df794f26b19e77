package common

import (
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrMaskShape is returned when masks of different spatial extents are combined.
var ErrMaskShape = errors.New("mask shape mismatch")

// MaskArray is a stack of binary occupancy grids shaped [Count, Height, Width].
//
// A mask rasterized from a single polygon has Count == 1 (the leading singleton
// dimension), so per-instance masks can be stacked along the first axis.
type MaskArray struct {
	Count  int
	Height int
	Width  int
	// Data is row-major, one byte per cell, 0 or 1.
	Data []uint8
}

// NewMaskArray allocates an empty [1, height, width] mask.
func NewMaskArray(height, width int) MaskArray {
	return MaskArray{Count: 1, Height: height, Width: width, Data: make([]uint8, height*width)}
}

// Stack concatenates masks along the leading dimension.
//
// Arguments:
//   - masks: Masks sharing the same height and width.
//
// Returns:
//   - The stacked mask, or an empty MaskArray when no masks are given.
//   - ErrMaskShape if the spatial extents differ.
func Stack(masks ...MaskArray) (MaskArray, error) {
	if len(masks) == 0 {
		return MaskArray{}, nil
	}
	h, w := masks[0].Height, masks[0].Width
	total := 0
	for _, m := range masks {
		if m.Height != h || m.Width != w {
			return MaskArray{}, errors.Wrapf(ErrMaskShape, "%dx%d vs %dx%d", m.Height, m.Width, h, w)
		}
		total += m.Count
	}
	out := MaskArray{Count: total, Height: h, Width: w, Data: make([]uint8, 0, total*h*w)}
	for _, m := range masks {
		out.Data = append(out.Data, m.Data...)
	}
	return out, nil
}

// Shape returns [Count, Height, Width].
func (m MaskArray) Shape() []int {
	return []int{m.Count, m.Height, m.Width}
}

// Empty reports whether the mask holds no layers.
func (m MaskArray) Empty() bool {
	return m.Count == 0
}

// At returns the cell value of layer n at (x, y).
func (m MaskArray) At(n, x, y int) uint8 {
	return m.Data[n*m.Height*m.Width+y*m.Width+x]
}

// Set marks the cell of layer n at (x, y).
func (m MaskArray) Set(n, x, y int, v uint8) {
	m.Data[n*m.Height*m.Width+y*m.Width+x] = v
}

// Area counts occupied cells across all layers.
func (m MaskArray) Area() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Layer returns layer n as its own [1, H, W] mask sharing the backing data.
func (m MaskArray) Layer(n int) MaskArray {
	size := m.Height * m.Width
	return MaskArray{Count: 1, Height: m.Height, Width: m.Width, Data: m.Data[n*size : (n+1)*size]}
}

// Clone deep-copies the mask.
func (m MaskArray) Clone() MaskArray {
	out := m
	out.Data = append([]uint8(nil), m.Data...)
	return out
}

// Tensor views the mask as a uint8 tensor of shape [Count, Height, Width].
func (m MaskArray) Tensor() *tensor.Dense {
	return tensor.New(
		tensor.WithShape(m.Count, m.Height, m.Width),
		tensor.Of(tensor.Uint8),
		tensor.WithBacking(m.Data),
	)
}

// ToGray renders layer n as a grayscale image (0 or 255 per pixel).
func (m MaskArray) ToGray(n int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	layer := m.Layer(n).Data
	for i, v := range layer {
		if v != 0 {
			img.Pix[i] = 255
		}
	}
	return img
}

// MaskFromImage thresholds any image into a [1, H, W] mask; non-black pixels are set.
func MaskFromImage(img image.Image) MaskArray {
	b := img.Bounds()
	m := NewMaskArray(b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if r|g|bl > 0x7fff {
				m.Data[y*m.Width+x] = 1
			}
		}
	}
	return m
}
