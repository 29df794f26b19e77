// Package predict - Running detectors over collated batches.
package predict

import (
	"context"

	"github.com/nvr-ai/go-detdata/loader"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
)

// Predictor turns one backend batch into predictions for its records.
type Predictor[B any] interface {
	Predict(ctx context.Context, batch B, recs []*records.Record) ([]records.Prediction, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc[B any] func(ctx context.Context, batch B, recs []*records.Record) ([]records.Prediction, error)

// Predict calls f.
func (f PredictorFunc[B]) Predict(ctx context.Context, batch B, recs []*records.Record) ([]records.Prediction, error) {
	return f(ctx, batch, recs)
}

// FromLoader runs p over one epoch of l and concatenates the predictions in batch order.
//
// Arguments:
//   - ctx: Cancels iteration between batches.
//   - p: The detector.
//   - l: The batch source.
//
// Returns:
//   - One prediction per record, in loader order.
//   - The first loader or predictor error.
func FromLoader[B any](ctx context.Context, p Predictor[B], l *loader.Loader[B]) ([]records.Prediction, error) {
	var all []records.Prediction
	err := l.Iterate(ctx, func(b loader.Batch[B]) error {
		preds, err := p.Predict(ctx, b.Data, b.Records)
		if err != nil {
			return errors.Wrapf(err, "predicting batch %d", b.Index)
		}
		if len(preds) != len(b.Records) {
			return errors.Wrapf(records.ErrLengthMismatch, "batch %d: %d predictions for %d records",
				b.Index, len(preds), len(b.Records))
		}
		all = append(all, preds...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}
