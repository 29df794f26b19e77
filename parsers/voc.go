package parsers

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const vocFormat = "voc"

// VOCObject is one <object> of a Pascal VOC annotation.
type VOCObject struct {
	Name   string `xml:"name"`
	BndBox struct {
		XMin float32 `xml:"xmin"`
		YMin float32 `xml:"ymin"`
		XMax float32 `xml:"xmax"`
		YMax float32 `xml:"ymax"`
	} `xml:"bndbox"`
	Difficult int `xml:"difficult"`
	Truncated int `xml:"truncated"`
}

// VOCImage is one decoded annotation XML file.
type VOCImage struct {
	XMLName  xml.Name `xml:"annotation"`
	Filename string   `xml:"filename"`
	Size     struct {
		Width  int `xml:"width"`
		Height int `xml:"height"`
	} `xml:"size"`
	Objects []VOCObject `xml:"object"`

	// Source is the XML file the entry was read from.
	Source string `xml:"-"`
}

// VOCParser reads a directory of Pascal VOC annotation files.
type VOCParser struct {
	imgDir   string
	classMap *classes.ClassMap
	items    []VOCImage
}

// NewVOC decodes every *.xml file in annotationsDir, in file name order.
func NewVOC(annotationsDir, imgDir string, cm *classes.ClassMap) (*VOCParser, error) {
	entries, err := os.ReadDir(annotationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list VOC annotations")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	p := &VOCParser{imgDir: imgDir, classMap: cm}
	for _, name := range names {
		item, err := decodeVOC(filepath.Join(annotationsDir, name))
		if err != nil {
			return nil, err
		}
		p.items = append(p.items, item)
	}
	return p, nil
}

func decodeVOC(path string) (VOCImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return VOCImage{}, errors.Wrap(err, "failed to open VOC annotation")
	}
	defer f.Close()

	var item VOCImage
	if err := xml.NewDecoder(f).Decode(&item); err != nil {
		return VOCImage{}, errors.Wrapf(err, "failed to decode VOC annotation %s", path)
	}
	item.Source = path
	if item.Filename == "" {
		return VOCImage{}, parseError(vocFormat, filepath.Base(path), "filename", "missing")
	}
	return item, nil
}

func (p *VOCParser) Items() []VOCImage {
	return p.items
}

func (p *VOCParser) ImageID(o VOCImage) string {
	return o.Filename
}

func (p *VOCParser) Filepath(o VOCImage) string {
	return filepath.Join(p.imgDir, o.Filename)
}

// ImageSize uses <size> and falls back to the image header when it is absent.
func (p *VOCParser) ImageSize(o VOCImage) (int, int, error) {
	if o.Size.Width > 0 && o.Size.Height > 0 {
		return o.Size.Width, o.Size.Height, nil
	}
	return images.Size(p.Filepath(o))
}

func (p *VOCParser) objects(o VOCImage, fn func(obj VOCObject, id int)) error {
	for _, obj := range o.Objects {
		if obj.Name == "" {
			return parseError(vocFormat, o.Filename, "name", "missing")
		}
		id, err := strictID(p.classMap, obj.Name)
		if err != nil {
			log.Debug().Str("image", o.Filename).Str("label", obj.Name).Msg("skipping object with label outside class map")
			continue
		}
		fn(obj, id)
	}
	return nil
}

func (p *VOCParser) Labels(o VOCImage) ([]int, error) {
	labels := []int{}
	err := p.objects(o, func(_ VOCObject, id int) { labels = append(labels, id) })
	return labels, err
}

func (p *VOCParser) BBoxes(o VOCImage) ([]common.BBox, error) {
	boxes := []common.BBox{}
	err := p.objects(o, func(obj VOCObject, _ int) {
		b := obj.BndBox
		boxes = append(boxes, common.FromXYXY(b.XMin, b.YMin, b.XMax, b.YMax))
	})
	return boxes, err
}
