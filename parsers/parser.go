// Package parsers - Annotation format adapters producing canonical records.
//
// A format adapter implements Parser for the fields every format carries and
// opts into BBoxProvider and MaskProvider for the shapes its schema encodes.
// ParseRecords discovers the optional capabilities with type assertions.
package parsers

import (
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Parser is the mandatory capability set of an annotation format adapter. O is the
// adapter's opaque per-image annotation object.
type Parser[O any] interface {
	// Items returns the per-image annotation objects in source order.
	Items() []O
	ImageID(o O) string
	Filepath(o O) string
	// ImageSize returns the width and height of the referenced image.
	ImageSize(o O) (int, int, error)
	// Labels returns the class ids of the box instances of o.
	Labels(o O) ([]int, error)
}

// BBoxProvider is implemented by formats that encode bounding boxes. BBoxes is
// parallel to Labels.
type BBoxProvider[O any] interface {
	BBoxes(o O) ([]common.BBox, error)
}

// MaskProvider is implemented by formats that encode instance masks.
type MaskProvider[O any] interface {
	// Masks returns one [1, H, W] layer per instance, stacked.
	Masks(o O) (common.MaskArray, error)
	// MaskLabels returns the class ids parallel to Masks.
	MaskLabels(o O) ([]int, error)
}

// ParseRecords builds one record per image id in source order. Items sharing an
// image id are merged into the record created for the first of them.
//
// Arguments:
//   - p: The format adapter.
//
// Returns:
//   - The records, unloaded.
//   - The first format or length error encountered.
func ParseRecords[O any](p Parser[O]) ([]*records.Record, error) {
	bp, hasBoxes := p.(BBoxProvider[O])
	mp, hasMasks := p.(MaskProvider[O])

	var out []*records.Record
	byID := make(map[string]*records.Record)

	for _, o := range p.Items() {
		id := p.ImageID(o)
		rec := records.New(id, p.Filepath(o), 0, 0)

		w, h, err := p.ImageSize(o)
		if err != nil {
			return nil, errors.Wrapf(err, "image size of %s", id)
		}
		rec.Width, rec.Height = w, h

		labels, err := p.Labels(o)
		if err != nil {
			return nil, err
		}
		var boxes []common.BBox
		if hasBoxes {
			if boxes, err = bp.BBoxes(o); err != nil {
				return nil, err
			}
			if len(boxes) != len(labels) {
				return nil, errors.Wrapf(records.ErrLengthMismatch, "image %s: %d bboxes vs %d labels",
					id, len(boxes), len(labels))
			}
		}
		for i, label := range labels {
			box := common.BBox{}
			if hasBoxes {
				box = boxes[i]
			}
			rec.Detection.Add(box, label, -1)
		}

		if hasMasks {
			masks, err := mp.Masks(o)
			if err != nil {
				return nil, err
			}
			maskLabels, err := mp.MaskLabels(o)
			if err != nil {
				return nil, err
			}
			if err := rec.Detection.AddMasks(masks, maskLabels); err != nil {
				return nil, errors.Wrapf(err, "image %s", id)
			}
		}

		if prev, ok := byID[id]; ok {
			if err := prev.Merge(rec); err != nil {
				return nil, errors.Wrapf(err, "merging image %s", id)
			}
			continue
		}
		byID[id] = rec
		out = append(out, rec)
	}

	for _, rec := range out {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
	}
	log.Debug().Int("records", len(out)).Msg("parsed annotations")
	return out, nil
}

// Parse builds the records of p and partitions them with splitter. Each split keeps
// the parse order of its records.
func Parse[O any](p Parser[O], splitter Splitter) ([][]*records.Record, error) {
	recs, err := ParseRecords(p)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ImageID
	}
	splits, err := splitter.Split(ids)
	if err != nil {
		return nil, err
	}

	out := make([][]*records.Record, len(splits))
	for i, split := range splits {
		members := make(map[string]struct{}, len(split))
		for _, id := range split {
			members[id] = struct{}{}
		}
		out[i] = make([]*records.Record, 0, len(split))
		for _, r := range recs {
			if _, ok := members[r.ImageID]; ok {
				out[i] = append(out[i], r)
			}
		}
	}
	return out, nil
}

type boxesOnly[O any] struct {
	Parser[O]
	BBoxProvider[O]
}

// WithoutMasks hides the mask capability of p so only boxes are parsed. Formats
// without boxes are returned unchanged.
func WithoutMasks[O any](p Parser[O]) Parser[O] {
	bp, ok := p.(BBoxProvider[O])
	if !ok {
		return p
	}
	return boxesOnly[O]{Parser: p, BBoxProvider: bp}
}
