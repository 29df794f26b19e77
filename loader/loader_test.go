package loader

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"testing"

	"github.com/nvr-ai/go-detdata/collate"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/dataset"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/profiler"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/nvr-ai/go-detdata/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDataset(n int, loads *atomic.Int32) *dataset.Dataset {
	recs := make([]*records.Record, n)
	for i := range recs {
		recs[i] = records.New(fmt.Sprintf("img-%02d", i), fmt.Sprintf("img-%02d.png", i), 8, 8)
		recs[i].Detection.Add(common.FromXYXY(0, 0, 4, 4), 1, -1)
	}
	loader := images.LoaderFunc(func(path string) (image.Image, error) {
		if loads != nil {
			loads.Add(1)
		}
		if path == "img-13.png" {
			return nil, errors.New("corrupt")
		}
		return test.NewImage(8, 8), nil
	})
	return dataset.New(recs, nil, dataset.Options{Loader: loader})
}

// ids collates a batch into its image ids.
var ids = collate.BuilderFunc[[]string](func(recs []*records.Record) ([]string, error) {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ImageID
	}
	return out, nil
})

func TestIterateInOrder(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			l, err := New[[]string](newDataset(10, nil), ids, Options{BatchSize: 4, Workers: workers})
			require.NoError(t, err)
			assert.Equal(t, 3, l.Len())

			var got [][]string
			require.NoError(t, l.Iterate(context.Background(), func(b Batch[[]string]) error {
				assert.Equal(t, len(got), b.Index)
				for _, r := range b.Records {
					assert.False(t, r.Loaded())
				}
				got = append(got, b.Data)
				return nil
			}))
			assert.Equal(t, [][]string{
				{"img-00", "img-01", "img-02", "img-03"},
				{"img-04", "img-05", "img-06", "img-07"},
				{"img-08", "img-09"},
			}, got)
		})
	}
}

func TestIterateShuffleAndDropLast(t *testing.T) {
	l, err := New[[]string](newDataset(10, nil), ids, Options{BatchSize: 4, Workers: 2, Shuffle: true, Seed: 3, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	seen := map[string]bool{}
	batches := 0
	require.NoError(t, l.Iterate(context.Background(), func(b Batch[[]string]) error {
		batches++
		assert.Len(t, b.Data, 4)
		for _, id := range b.Data {
			assert.False(t, seen[id])
			seen[id] = true
		}
		return nil
	}))
	assert.Equal(t, 2, batches)
	assert.Len(t, seen, 8)
}

func TestIterateErrors(t *testing.T) {
	l, err := New[[]string](newDataset(16, nil), ids, Options{BatchSize: 2, Workers: 2})
	require.NoError(t, err)

	var calls int
	err = l.Iterate(context.Background(), func(Batch[[]string]) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 6")
	assert.Equal(t, 6, calls)

	l, err = New[[]string](newDataset(4, nil), ids, Options{BatchSize: 2})
	require.NoError(t, err)
	stop := errors.New("stop")
	assert.Equal(t, stop, l.Iterate(context.Background(), func(Batch[[]string]) error { return stop }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(l.Iterate(ctx, func(Batch[[]string]) error { return nil }), context.Canceled))

	_, err = New[[]string](newDataset(1, nil), ids, Options{})
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestIterateEfficientDet(t *testing.T) {
	var loads atomic.Int32
	l, err := New[collate.EfficientDetBatch](newDataset(5, &loads), collate.NewEfficientDet(), Options{BatchSize: 2, Workers: 2})
	require.NoError(t, err)

	var shapes [][]int
	require.NoError(t, l.Iterate(context.Background(), func(b Batch[collate.EfficientDetBatch]) error {
		shapes = append(shapes, []int(b.Data.Images.Shape()))
		return nil
	}))
	assert.Equal(t, [][]int{{2, 3, 8, 8}, {2, 3, 8, 8}, {1, 3, 8, 8}}, shapes)
	assert.Equal(t, int32(5), loads.Load())
}

func TestIterateProfilesBatches(t *testing.T) {
	p := profiler.New()
	l, err := New[[]string](newDataset(10, nil), ids, Options{BatchSize: 4, Workers: 2, Profiler: p})
	require.NoError(t, err)
	require.NoError(t, l.Iterate(context.Background(), func(Batch[[]string]) error { return nil }))

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "batch", stats[0].Name)
	assert.Equal(t, int64(3), stats[0].Count)
}
