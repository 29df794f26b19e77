package parsers

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const viaFormat = "via"

// VIA shape names that carry geometry.
const (
	ShapeRect    = "rect"
	ShapePolygon = "polygon"
)

// VIAShape holds the shape_attributes of a VIA region.
type VIAShape struct {
	Name       string    `json:"name"`
	X          float32   `json:"x"`
	Y          float32   `json:"y"`
	Width      float32   `json:"width"`
	Height     float32   `json:"height"`
	AllPointsX []float32 `json:"all_points_x"`
	AllPointsY []float32 `json:"all_points_y"`
}

// VIARegion is one annotated shape of an image.
type VIARegion struct {
	Shape      VIAShape       `json:"shape_attributes"`
	Attributes map[string]any `json:"region_attributes"`
}

// VIAImage is the per-image object of a VIA 2 project export.
type VIAImage struct {
	// Key is the JSON key the entry was stored under.
	Key      string      `json:"-"`
	Filename string      `json:"filename"`
	Regions  []VIARegion `json:"regions"`
}

// VIABBoxParser reads rectangle regions of a VIA export as bounding boxes.
// Polygon regions are left to VIAMaskParser.
type VIABBoxParser struct {
	imgDir     string
	classMap   *classes.ClassMap
	labelField string
	items      []VIAImage
	sizes      map[string][2]int
}

// VIAMaskParser additionally rasterizes polygon regions into instance masks.
type VIAMaskParser struct {
	*VIABBoxParser
}

// NewVIA opens a VIA 2 JSON export.
//
// Arguments:
//   - annotationsFile: Path to the exported JSON.
//   - imgDir: Directory holding the referenced images.
//   - cm: Classes to keep; regions labelled outside cm are skipped.
//   - labelField: The region attribute carrying the class name, usually "label".
//   - mask: Whether polygon regions are rasterized into masks.
//
// Returns:
//   - A *VIAMaskParser when mask is set, otherwise a *VIABBoxParser.
//   - An error if the file cannot be read or decoded.
//
// @example
// p, err := parsers.NewVIA("via.json", "images", cm, "label", true)
// recs, err := parsers.ParseRecords(p)
func NewVIA(annotationsFile, imgDir string, cm *classes.ClassMap, labelField string, mask bool) (Parser[VIAImage], error) {
	f, err := os.Open(annotationsFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open VIA annotations")
	}
	defer f.Close()

	items, err := decodeVIA(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode VIA annotations %s", annotationsFile)
	}
	if labelField == "" {
		labelField = "label"
	}

	p := &VIABBoxParser{
		imgDir:     imgDir,
		classMap:   cm,
		labelField: labelField,
		items:      items,
		sizes:      make(map[string][2]int),
	}
	if mask {
		return &VIAMaskParser{p}, nil
	}
	return p, nil
}

// decodeVIA reads the top-level object entry by entry so the file order is kept.
func decodeVIA(r io.Reader) ([]VIAImage, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var items []VIAImage
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)

		var item VIAImage
		if err := dec.Decode(&item); err != nil {
			return nil, errors.Wrapf(err, "entry %s", key)
		}
		item.Key = key
		items = append(items, item)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return items, nil
}

// Items returns the image entries in file order.
func (p *VIABBoxParser) Items() []VIAImage {
	return p.items
}

// ImageID is the image filename.
func (p *VIABBoxParser) ImageID(o VIAImage) string {
	return o.Filename
}

// Filepath joins the image directory and filename.
func (p *VIABBoxParser) Filepath(o VIAImage) string {
	return filepath.Join(p.imgDir, o.Filename)
}

// ImageSize reads the image header; VIA exports do not store dimensions.
func (p *VIABBoxParser) ImageSize(o VIAImage) (int, int, error) {
	if s, ok := p.sizes[o.Filename]; ok {
		return s[0], s[1], nil
	}
	w, h, err := images.Size(p.Filepath(o))
	if err != nil {
		return 0, 0, err
	}
	p.sizes[o.Filename] = [2]int{w, h}
	return w, h, nil
}

// label returns the class name of region, failing when the label field is missing
// or not a string.
func (p *VIABBoxParser) label(o VIAImage, region VIARegion) (string, error) {
	raw, ok := region.Attributes[p.labelField]
	if !ok || raw == nil {
		return "", parseError(viaFormat, o.Filename, p.labelField, "could not find label_field")
	}
	name, ok := raw.(string)
	if !ok {
		return "", parseError(viaFormat, o.Filename, p.labelField, "non-string value found in label_field")
	}
	return name, nil
}

// regions yields the regions of o with the given shape whose label is in the class
// map. Every region's label field is checked, whatever its shape.
func (p *VIABBoxParser) regions(o VIAImage, shape string, fn func(region VIARegion, id int) error) error {
	for i, region := range o.Regions {
		name, err := p.label(o, region)
		if err != nil {
			return err
		}
		if region.Shape.Name != shape {
			continue
		}
		id, err := strictID(p.classMap, name)
		if err != nil {
			log.Debug().
				Str("image", o.Filename).
				Int("region", i).
				Str("label", name).
				Msg("skipping region with label outside class map")
			continue
		}
		if err := fn(region, id); err != nil {
			return err
		}
	}
	return nil
}

// Labels returns the class ids of the rectangle regions.
func (p *VIABBoxParser) Labels(o VIAImage) ([]int, error) {
	labels := []int{}
	err := p.regions(o, ShapeRect, func(_ VIARegion, id int) error {
		labels = append(labels, id)
		return nil
	})
	return labels, err
}

// BBoxes returns the rectangle regions as boxes, parallel to Labels.
func (p *VIABBoxParser) BBoxes(o VIAImage) ([]common.BBox, error) {
	boxes := []common.BBox{}
	err := p.regions(o, ShapeRect, func(r VIARegion, _ int) error {
		boxes = append(boxes, common.FromXYWH(r.Shape.X, r.Shape.Y, r.Shape.Width, r.Shape.Height))
		return nil
	})
	return boxes, err
}

// MaskLabels returns the class ids of the polygon regions.
func (p *VIAMaskParser) MaskLabels(o VIAImage) ([]int, error) {
	labels := []int{}
	err := p.regions(o, ShapePolygon, func(_ VIARegion, id int) error {
		labels = append(labels, id)
		return nil
	})
	return labels, err
}

// Masks rasterizes each polygon region into a [1, H, W] layer sized to the image
// and stacks them, parallel to MaskLabels.
func (p *VIAMaskParser) Masks(o VIAImage) (common.MaskArray, error) {
	var layers []common.MaskArray
	err := p.regions(o, ShapePolygon, func(r VIARegion, _ int) error {
		w, h, err := p.ImageSize(o)
		if err != nil {
			return err
		}
		m, err := images.RasterizePolygon(r.Shape.AllPointsX, r.Shape.AllPointsY, w, h)
		if err != nil {
			return parseError(viaFormat, o.Filename, "shape_attributes", err.Error())
		}
		layers = append(layers, m)
		return nil
	})
	if err != nil {
		return common.MaskArray{}, err
	}
	return common.Stack(layers...)
}
