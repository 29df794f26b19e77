// Package dataset - Indexed access to records with lazy image loading.
package dataset

import (
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/nvr-ai/go-detdata/transforms"
	"github.com/pkg/errors"
)

// ErrIndex is returned for indices outside the dataset.
var ErrIndex = errors.New("index out of range")

// Options configures a Dataset.
type Options struct {
	// Loader decodes images; defaults to images.FileLoader.
	Loader images.Loader
}

// Dataset wraps an ordered record sequence and an optional transform.
//
// The stored records are never loaded or mutated: Get works on a clone, so many
// goroutines may call Get concurrently.
type Dataset struct {
	records   []*records.Record
	transform transforms.Transform
	loader    images.Loader
}

// New creates a dataset over recs. tfm may be nil.
func New(recs []*records.Record, tfm transforms.Transform, opts Options) *Dataset {
	loader := opts.Loader
	if loader == nil {
		loader = images.FileLoader{}
	}
	return &Dataset{records: recs, transform: tfm, loader: loader}
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.records)
}

// Record returns the stored, unloaded record at i.
func (d *Dataset) Record(i int) *records.Record {
	return d.records[i]
}

// Get loads and transforms a copy of record i.
//
// Arguments:
//   - i: The record index.
//
// Returns:
//   - A Loaded record owned by the caller, who must Unload it.
//   - An error if loading or the transform fails; the copy is unloaded first.
func (d *Dataset) Get(i int) (*records.Record, error) {
	if i < 0 || i >= len(d.records) {
		return nil, errors.Wrapf(ErrIndex, "%d of %d", i, len(d.records))
	}

	r := d.records[i].Clone()
	if err := r.Load(d.loader); err != nil {
		return nil, err
	}
	if d.transform != nil {
		if err := d.transform.Apply(r); err != nil {
			r.Unload()
			return nil, errors.Wrapf(err, "transforming %s", r.ImageID)
		}
	}
	return r, nil
}

// With runs fn on the loaded record i and unloads it afterwards, whether or not
// fn succeeds.
func (d *Dataset) With(i int, fn func(r *records.Record) error) error {
	r, err := d.Get(i)
	if err != nil {
		return err
	}
	defer r.Unload()
	return fn(r)
}
