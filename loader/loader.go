// Package loader - Batched, concurrent iteration over a dataset.
package loader

import (
	"context"
	"math/rand/v2"

	"github.com/nvr-ai/go-detdata/collate"
	"github.com/nvr-ai/go-detdata/dataset"
	"github.com/nvr-ai/go-detdata/profiler"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/nvr-ai/go-detdata/transforms"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidOptions is returned for unusable loader options.
var ErrInvalidOptions = errors.New("invalid loader options")

// Options configures a Loader.
type Options struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// Workers bounds how many batches are built at once; 0 means 1.
	Workers int    `mapstructure:"workers" yaml:"workers"`
	Shuffle bool   `mapstructure:"shuffle" yaml:"shuffle"`
	Seed    uint64 `mapstructure:"seed" yaml:"seed"`
	// DropLast skips the final short batch.
	DropLast       bool                      `mapstructure:"drop_last" yaml:"drop_last"`
	BatchTransform transforms.BatchTransform `mapstructure:"-" yaml:"-"`
	// Profiler times every batch build under "batch"; nil disables it.
	Profiler *profiler.Profiler `mapstructure:"-" yaml:"-"`
}

// DefaultOptions returns sequential, unshuffled batches of 8.
func DefaultOptions() Options {
	return Options{BatchSize: 8, Workers: 1}
}

// Batch is one collated batch with its unloaded records.
type Batch[B any] struct {
	Index   int
	Data    B
	Records []*records.Record
}

// Loader yields collated batches of a dataset.
type Loader[B any] struct {
	ds      *dataset.Dataset
	builder collate.Builder[B]
	opts    Options
	epoch   uint64
}

// New creates a loader over ds.
//
// Arguments:
//   - ds: The dataset to draw records from.
//   - builder: The backend batch builder.
//   - opts: Batching options.
//
// Returns:
//   - The loader.
//   - ErrInvalidOptions if BatchSize is not positive.
func New[B any](ds *dataset.Dataset, builder collate.Builder[B], opts Options) (*Loader[B], error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidOptions, "batch size %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader[B]{ds: ds, builder: builder, opts: opts}, nil
}

// Len returns the number of batches per epoch.
func (l *Loader[B]) Len() int {
	n := l.ds.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// order returns the record indices of the next epoch.
func (l *Loader[B]) order() []int {
	idx := make([]int, l.ds.Len())
	for i := range idx {
		idx[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewPCG(l.opts.Seed, l.epoch))
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	l.epoch++
	return idx
}

// build loads, transforms and collates the records at idx.
func (l *Loader[B]) build(idx []int) (B, []*records.Record, error) {
	defer l.opts.Profiler.StartOperation("batch")()

	recs := make([]*records.Record, 0, len(idx))
	for _, i := range idx {
		r, err := l.ds.Get(i)
		if err != nil {
			records.UnloadAll(recs)
			var zero B
			return zero, nil, err
		}
		recs = append(recs, r)
	}
	return collate.Collate(recs, l.builder, l.opts.BatchTransform)
}

// Iterate builds one epoch of batches and calls fn with each, in order.
//
// Up to Workers batches are built concurrently; fn is always called from the
// calling goroutine. Iteration stops at the first build error, the first error
// returned by fn, or when ctx is done.
func (l *Loader[B]) Iterate(ctx context.Context, fn func(Batch[B]) error) error {
	idx := l.order()
	total := l.Len()

	for start := 0; start < total; start += l.opts.Workers {
		end := min(start+l.opts.Workers, total)
		window := make([]Batch[B], end-start)

		g, gctx := errgroup.WithContext(ctx)
		for b := start; b < end; b++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				lo := b * l.opts.BatchSize
				hi := min(lo+l.opts.BatchSize, len(idx))
				data, recs, err := l.build(idx[lo:hi])
				if err != nil {
					return errors.Wrapf(err, "batch %d", b)
				}
				window[b-start] = Batch[B]{Index: b, Data: data, Records: recs}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, batch := range window {
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Debug().Int("batch", batch.Index).Int("of", total).Int("records", len(batch.Records)).Msg("batch ready")
			if err := fn(batch); err != nil {
				return err
			}
		}
	}
	return nil
}
