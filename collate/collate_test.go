package collate

import (
	"testing"

	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/nvr-ai/go-detdata/test"
	"github.com/nvr-ai/go-detdata/transforms"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batch returns loaded records of the given sizes holding 0, 1, 2, ... boxes.
func batch(sizes ...[2]int) []*records.Record {
	recs := make([]*records.Record, len(sizes))
	for i, s := range sizes {
		r := records.New(string(rune('a'+i)), "", s[0], s[1])
		r.SetImage(test.NewImage(s[0], s[1]))
		for j := 0; j < i; j++ {
			r.Detection.Add(common.FromXYXY(float32(j), 1, float32(j+2), 3), j+1, -1)
		}
		recs[i] = r
	}
	return recs
}

func TestCollateEfficientDet(t *testing.T) {
	recs := batch([2]int{8, 6}, [2]int{8, 6}, [2]int{8, 6})

	b, out, err := Collate[EfficientDetBatch](recs, NewEfficientDet(), nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []int{3, 3, 6, 8}, []int(b.Images.Shape()))
	assert.Equal(t, []int{3, 2, 4}, []int(b.BBoxes.Shape()))
	assert.Equal(t, []int{3, 2}, []int(b.Labels.Shape()))
	assert.Equal(t, []int{3, 2}, []int(b.ImgSize.Shape()))
	assert.Equal(t, []int{0, 1, 2}, b.Counts)

	boxes := b.BBoxes.Data().([]float32)
	// First image has no boxes: every slot is padding.
	assert.Equal(t, []float32{-1, -1, -1, -1, -1, -1, -1, -1}, boxes[:8])
	// Second image: one yxyx box, then padding.
	assert.Equal(t, []float32{1, 0, 3, 2, -1, -1, -1, -1}, boxes[8:16])
	assert.Equal(t, []float32{-1, -1, 1, -1, 1, 2}, b.Labels.Data().([]float32))
	assert.Equal(t, []float32{6, 8, 6, 8, 6, 8}, b.ImgSize.Data().([]float32))

	for i, r := range out {
		assert.False(t, r.Loaded())
		assert.Equal(t, i, r.Detection.Len(), "unpadded counts survive collation")
	}
}

func TestCollateEfficientDetEmptyAnnotations(t *testing.T) {
	b, _, err := Collate[EfficientDetBatch](batch([2]int{4, 4}), NewEfficientDet(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4}, []int(b.BBoxes.Shape()))
}

func TestCollateEfficientDetShapeMismatch(t *testing.T) {
	recs := batch([2]int{8, 6}, [2]int{4, 6})
	_, out, err := Collate[EfficientDetBatch](recs, NewEfficientDet(), nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	for _, r := range out {
		assert.False(t, r.Loaded(), "records are released on failure")
	}
}

func TestCollateMMDet(t *testing.T) {
	recs := batch([2]int{8, 6}, [2]int{5, 10})

	b, out, err := Collate[MMDetBatch](recs, NewMMDet(), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 10, 8}, []int(b.Img.Shape()))
	require.Len(t, b.ImgMetas, 2)
	assert.Equal(t, [3]int{6, 8, 3}, b.ImgMetas[0].ImgShape)
	assert.Equal(t, [3]int{10, 5, 3}, b.ImgMetas[1].ImgShape)
	assert.Equal(t, [3]int{10, 8, 3}, b.ImgMetas[1].PadShape)
	assert.Equal(t, [4]float32{1, 1, 1, 1}, b.ImgMetas[1].ScaleFactor)

	assert.Empty(t, b.GtLabels[0])
	assert.Equal(t, []int64{0}, b.GtLabels[1], "labels shifted down by one")
	assert.Equal(t, []float32{0, 1, 2, 3}, b.GtBBoxes[1])

	pixels := b.Img.Data().([]float32)
	// Right of the second image (x >= 5) is padding.
	assert.Equal(t, float32(0), pixels[3*80+0*8+6])
	assert.Equal(t, []int{1, 1}, []int{out[1].Detection.Len(), len(out[1].Detection.Labels)})
}

func TestCollateFasterRCNN(t *testing.T) {
	recs := batch([2]int{8, 6}, [2]int{5, 10}, [2]int{3, 3})

	b, out, err := Collate[FasterRCNNBatch](recs, NewFasterRCNN(), nil)
	require.NoError(t, err)
	require.Len(t, b.Images, 3)
	require.Len(t, b.Targets, 3)
	assert.Equal(t, []int{3, 10, 5}, []int(b.Images[1].Shape()))
	assert.Len(t, b.Targets[2].Boxes, 8)
	assert.Equal(t, []int64{1, 2}, b.Targets[2].Labels)
	assert.Len(t, out, 3)
}

func TestCollateBatchTransform(t *testing.T) {
	recs := batch([2]int{8, 6}, [2]int{5, 10})
	resize := transforms.PerRecord(transforms.NewResize(4, 4))

	b, _, err := Collate[EfficientDetBatch](recs, NewEfficientDet(), resize)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 4}, []int(b.Images.Shape()))

	failing := transforms.BatchFunc(func([]*records.Record) error { return errors.New("mosaic") })
	recs = batch([2]int{8, 6})
	_, out, err := Collate[EfficientDetBatch](recs, NewEfficientDet(), failing)
	assert.Error(t, err)
	assert.False(t, out[0].Loaded())
}

func TestCollateRequiresLoadedRecords(t *testing.T) {
	recs := batch([2]int{4, 4})
	recs[0].Unload()
	_, _, err := Collate[FasterRCNNBatch](recs, NewFasterRCNN(), nil)
	assert.True(t, errors.Is(err, records.ErrNotLoaded))

	_, _, err = Collate[FasterRCNNBatch](nil, NewFasterRCNN(), nil)
	assert.True(t, errors.Is(err, ErrEmptyBatch))
}

func TestBuilderFunc(t *testing.T) {
	count := BuilderFunc[int](func(recs []*records.Record) (int, error) { return len(recs), nil })
	n, _, err := Collate[int](batch([2]int{2, 2}, [2]int{2, 2}), count, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, images.ImageNetStats, NewMMDet().Stats)
}
