// Package transforms - Geometry-consistent record augmentations.
//
// Every transform moves pixels, boxes and masks in lockstep, so a transformed
// record still satisfies the record invariants.
package transforms

import (
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
)

// Transform mutates a loaded record in place.
type Transform interface {
	Apply(r *records.Record) error
}

// Func adapts a function to the Transform interface.
type Func func(r *records.Record) error

// Apply calls f(r).
func (f Func) Apply(r *records.Record) error {
	return f(r)
}

// Compose applies transforms in order and stops at the first error.
type Compose []Transform

// Apply runs every transform of c on r.
func (c Compose) Apply(r *records.Record) error {
	for i, t := range c {
		if t == nil {
			continue
		}
		if err := t.Apply(r); err != nil {
			return errors.Wrapf(err, "transform %d on %s", i, r.ImageID)
		}
	}
	return nil
}

// BatchTransform operates on a whole batch of loaded records, e.g. mosaic or mixup.
type BatchTransform interface {
	ApplyBatch(recs []*records.Record) error
}

// BatchFunc adapts a function to the BatchTransform interface.
type BatchFunc func(recs []*records.Record) error

// ApplyBatch calls f(recs).
func (f BatchFunc) ApplyBatch(recs []*records.Record) error {
	return f(recs)
}

// BatchCompose applies batch transforms in order.
type BatchCompose []BatchTransform

// ApplyBatch runs every batch transform of c on recs.
func (c BatchCompose) ApplyBatch(recs []*records.Record) error {
	for i, t := range c {
		if t == nil {
			continue
		}
		if err := t.ApplyBatch(recs); err != nil {
			return errors.Wrapf(err, "batch transform %d", i)
		}
	}
	return nil
}

// PerRecord lifts a Transform to a BatchTransform.
func PerRecord(t Transform) BatchTransform {
	return BatchFunc(func(recs []*records.Record) error {
		for _, r := range recs {
			if err := t.Apply(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// mapMasks replaces every mask layer with fn(layer) and restacks them.
func mapMasks(d *records.Detection, fn func(layer common.MaskArray) common.MaskArray) error {
	if d.Masks.Empty() {
		return nil
	}
	layers := make([]common.MaskArray, d.Masks.Count)
	for n := range layers {
		layers[n] = fn(d.Masks.Layer(n))
	}
	stacked, err := common.Stack(layers...)
	if err != nil {
		return err
	}
	d.Masks = stacked
	return nil
}

// keepBoxes drops the box instances for which keep returns false.
func keepBoxes(d *records.Detection, keep func(i int) bool) {
	n := 0
	for i := range d.BBoxes {
		if !keep(i) {
			continue
		}
		d.BBoxes[n] = d.BBoxes[i]
		d.Labels[n] = d.Labels[i]
		if len(d.Scores) > 0 {
			d.Scores[n] = d.Scores[i]
		}
		n++
	}
	d.BBoxes = d.BBoxes[:n]
	d.Labels = d.Labels[:n]
	if len(d.Scores) > 0 {
		d.Scores = d.Scores[:n]
	}
}
