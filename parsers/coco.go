package parsers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const cocoFormat = "coco"

// COCOAnnotation is one instance of a COCO detection file.
type COCOAnnotation struct {
	ID           int             `json:"id"`
	ImageID      int             `json:"image_id"`
	CategoryID   *int            `json:"category_id"`
	BBox         []float32       `json:"bbox"`
	Segmentation json.RawMessage `json:"segmentation"`
	IsCrowd      int             `json:"iscrowd"`
}

// COCOImage is an image entry together with its annotations.
type COCOImage struct {
	ID          int              `json:"id"`
	FileName    string           `json:"file_name"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Annotations []COCOAnnotation `json:"-"`
}

type cocoCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type cocoFile struct {
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

type cocoRLE struct {
	Counts json.RawMessage `json:"counts"`
	Size   [2]int          `json:"size"`
}

// COCOParser reads COCO instance annotations: boxes from "bbox" and masks from
// polygon or uncompressed RLE "segmentation" values.
type COCOParser struct {
	imgDir     string
	classMap   *classes.ClassMap
	items      []COCOImage
	categories map[int]string
}

// NewCOCO opens a COCO instances JSON file.
//
// Arguments:
//   - annotationsFile: Path to the instances JSON.
//   - imgDir: Directory holding the images named by file_name.
//   - cm: Classes to keep, matched on category name.
//
// Returns:
//   - The parser, with images in file order.
//   - An error if the file cannot be read or decoded.
func NewCOCO(annotationsFile, imgDir string, cm *classes.ClassMap) (*COCOParser, error) {
	data, err := os.ReadFile(annotationsFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read COCO annotations")
	}
	var f cocoFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to decode COCO annotations %s", annotationsFile)
	}

	p := &COCOParser{
		imgDir:     imgDir,
		classMap:   cm,
		categories: make(map[int]string, len(f.Categories)),
	}
	for _, c := range f.Categories {
		p.categories[c.ID] = c.Name
	}

	index := make(map[int]int, len(f.Images))
	p.items = make([]COCOImage, len(f.Images))
	for i, img := range f.Images {
		index[img.ID] = i
		p.items[i] = img
	}
	for _, ann := range f.Annotations {
		i, ok := index[ann.ImageID]
		if !ok {
			log.Warn().Int("annotation", ann.ID).Int("image_id", ann.ImageID).Msg("annotation references unknown image")
			continue
		}
		p.items[i].Annotations = append(p.items[i].Annotations, ann)
	}
	return p, nil
}

func (p *COCOParser) Items() []COCOImage {
	return p.items
}

// ImageID is the file name, so records from different formats share ids.
func (p *COCOParser) ImageID(o COCOImage) string {
	return o.FileName
}

func (p *COCOParser) Filepath(o COCOImage) string {
	return filepath.Join(p.imgDir, o.FileName)
}

// ImageSize prefers the size stored in the file and reads the image header otherwise.
func (p *COCOParser) ImageSize(o COCOImage) (int, int, error) {
	if o.Width > 0 && o.Height > 0 {
		return o.Width, o.Height, nil
	}
	return images.Size(p.Filepath(o))
}

// annotations yields the annotations of o whose category is in the class map.
func (p *COCOParser) annotations(o COCOImage, fn func(ann COCOAnnotation, id int) error) error {
	for _, ann := range o.Annotations {
		if ann.CategoryID == nil {
			return parseError(cocoFormat, o.FileName, "category_id", "missing")
		}
		name, ok := p.categories[*ann.CategoryID]
		if !ok {
			return parseError(cocoFormat, o.FileName, "category_id", "unknown category "+strconv.Itoa(*ann.CategoryID))
		}
		id, err := strictID(p.classMap, name)
		if err != nil {
			log.Debug().Str("image", o.FileName).Int("annotation", ann.ID).Str("label", name).
				Msg("skipping annotation with label outside class map")
			continue
		}
		if err := fn(ann, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *COCOParser) Labels(o COCOImage) ([]int, error) {
	labels := []int{}
	err := p.annotations(o, func(_ COCOAnnotation, id int) error {
		labels = append(labels, id)
		return nil
	})
	return labels, err
}

// BBoxes converts the xywh "bbox" arrays.
func (p *COCOParser) BBoxes(o COCOImage) ([]common.BBox, error) {
	boxes := []common.BBox{}
	err := p.annotations(o, func(ann COCOAnnotation, _ int) error {
		if len(ann.BBox) != 4 {
			return parseError(cocoFormat, o.FileName, "bbox", fmt.Sprintf("expected 4 values, got %d", len(ann.BBox)))
		}
		boxes = append(boxes, common.FromXYWH(ann.BBox[0], ann.BBox[1], ann.BBox[2], ann.BBox[3]))
		return nil
	})
	return boxes, err
}

func hasSegmentation(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null")) && !bytes.Equal(raw, []byte("[]"))
}

// MaskLabels returns the class ids of the annotations that carry a segmentation.
func (p *COCOParser) MaskLabels(o COCOImage) ([]int, error) {
	labels := []int{}
	err := p.annotations(o, func(ann COCOAnnotation, id int) error {
		if hasSegmentation(ann.Segmentation) {
			labels = append(labels, id)
		}
		return nil
	})
	return labels, err
}

// Masks decodes every segmentation into one [1, H, W] layer.
func (p *COCOParser) Masks(o COCOImage) (common.MaskArray, error) {
	w, h, err := p.ImageSize(o)
	if err != nil {
		return common.MaskArray{}, err
	}

	var layers []common.MaskArray
	err = p.annotations(o, func(ann COCOAnnotation, _ int) error {
		if !hasSegmentation(ann.Segmentation) {
			return nil
		}
		m, err := decodeSegmentation(ann.Segmentation, w, h)
		if err != nil {
			return parseError(cocoFormat, o.FileName, "segmentation", err.Error())
		}
		layers = append(layers, m)
		return nil
	})
	if err != nil {
		return common.MaskArray{}, err
	}
	return common.Stack(layers...)
}

func decodeSegmentation(raw json.RawMessage, width, height int) (common.MaskArray, error) {
	raw = bytes.TrimSpace(raw)
	if raw[0] == '[' {
		var flat [][]float32
		if err := json.Unmarshal(raw, &flat); err != nil {
			return common.MaskArray{}, err
		}
		polygons := make([][2][]float32, 0, len(flat))
		for _, poly := range flat {
			if len(poly)%2 != 0 {
				return common.MaskArray{}, errors.Errorf("odd polygon length %d", len(poly))
			}
			var xs, ys []float32
			for i := 0; i < len(poly); i += 2 {
				xs = append(xs, poly[i])
				ys = append(ys, poly[i+1])
			}
			polygons = append(polygons, [2][]float32{xs, ys})
		}
		return images.RasterizePolygons(polygons, width, height)
	}

	var rle cocoRLE
	if err := json.Unmarshal(raw, &rle); err != nil {
		return common.MaskArray{}, err
	}
	var counts []int
	if err := json.Unmarshal(rle.Counts, &counts); err != nil {
		return common.MaskArray{}, errors.New("compressed RLE is not supported")
	}
	return decodeRLE(counts, rle.Size[0], rle.Size[1])
}

// decodeRLE expands column-major run lengths that alternate background and foreground,
// starting with background.
func decodeRLE(counts []int, height, width int) (common.MaskArray, error) {
	if height <= 0 || width <= 0 {
		return common.MaskArray{}, errors.Errorf("invalid RLE size %dx%d", height, width)
	}
	m := common.NewMaskArray(height, width)
	pos, value := 0, uint8(0)
	for _, c := range counts {
		if c < 0 || pos+c > height*width {
			return common.MaskArray{}, errors.Errorf("run lengths exceed %dx%d", height, width)
		}
		if value == 1 {
			for k := pos; k < pos+c; k++ {
				m.Set(0, k/height, k%height, 1)
			}
		}
		pos += c
		value ^= 1
	}
	return m, nil
}
