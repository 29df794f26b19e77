// Package collate - Backend batch builders for loaded records.
//
// Collate is the boundary between the dataset and a model backend: it turns a
// slice of loaded records into a backend-native batch, and hands back the same
// records, unloaded, so predictions can be re-associated with their metadata.
package collate

import (
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/nvr-ai/go-detdata/transforms"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	// ErrShapeMismatch is returned when a backend needs equally sized images.
	ErrShapeMismatch = errors.New("images in batch have different shapes")
	// ErrEmptyBatch is returned when a builder receives no records.
	ErrEmptyBatch = errors.New("empty batch")
)

// Builder turns loaded records into a backend batch of type B.
type Builder[B any] interface {
	Build(recs []*records.Record) (B, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc[B any] func(recs []*records.Record) (B, error)

// Build calls f(recs).
func (f BuilderFunc[B]) Build(recs []*records.Record) (B, error) {
	return f(recs)
}

// CommonBuildBatch applies the optional batch transform shared by every backend.
func CommonBuildBatch(recs []*records.Record, batchTfm transforms.BatchTransform) ([]*records.Record, error) {
	if batchTfm == nil {
		return recs, nil
	}
	if err := batchTfm.ApplyBatch(recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Collate builds a batch from loaded records.
//
// Arguments:
//   - recs: Loaded records, one per image.
//   - b: The backend builder.
//   - batchTfm: Optional batch-level transform, applied before building.
//
// Returns:
//   - The backend batch.
//   - recs, in the same order, now unloaded. They are unloaded whether or not the
//     build succeeds.
//   - The transform or build error, if any.
func Collate[B any](recs []*records.Record, b Builder[B], batchTfm transforms.BatchTransform) (B, []*records.Record, error) {
	defer records.UnloadAll(recs)

	var zero B
	if len(recs) == 0 {
		return zero, recs, ErrEmptyBatch
	}
	built, err := CommonBuildBatch(recs, batchTfm)
	if err != nil {
		return zero, recs, errors.Wrap(err, "batch transform")
	}
	batch, err := b.Build(built)
	if err != nil {
		return zero, recs, err
	}
	return batch, recs, nil
}

// imageCHW returns the normalized [3, H, W] pixels of a loaded record.
func imageCHW(r *records.Record, stats images.Stats) ([]float32, int, int, error) {
	img, err := r.Image()
	if err != nil {
		return nil, 0, 0, err
	}
	data, err := images.ToCHW(img, stats)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "record %s", r.ImageID)
	}
	b := img.Bounds()
	return data, b.Dx(), b.Dy(), nil
}

func maxCount(recs []*records.Record) int {
	k := 0
	for _, r := range recs {
		k = max(k, r.Detection.Len())
	}
	return k
}

func dense(backing any, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}
