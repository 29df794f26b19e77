package predict

import (
	"context"
	"fmt"
	"image"
	"testing"

	"github.com/nvr-ai/go-detdata/collate"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/dataset"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/loader"
	"github.com/nvr-ai/go-detdata/postprocess"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/nvr-ai/go-detdata/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner returns the same two detections per image, plus an overlapping
// duplicate and one below threshold.
type fakeRunner struct {
	shapes [][]int64
}

func (f *fakeRunner) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	f.shapes = append(f.shapes, shape)
	if int64(len(input)) != shape[0]*shape[1]*shape[2]*shape[3] {
		return nil, nil, errors.New("input does not match shape")
	}
	rows := []float32{
		65, 59, 170, 261, 0.9, 2,
		66, 59, 170, 261, 0.8, 2,
		123, 212, 341, 292, 0.7, 1,
		0, 0, 5, 5, 0.1, 1,
	}
	var out []float32
	for i := int64(0); i < shape[0]; i++ {
		out = append(out, rows...)
	}
	return out, []int64{shape[0], 4, DetectionWidth}, nil
}

func (f *fakeRunner) Close() error { return nil }

func newLoader(t *testing.T, n, batchSize int) *loader.Loader[collate.EfficientDetBatch] {
	t.Helper()
	recs := make([]*records.Record, n)
	for i := range recs {
		recs[i] = records.New(fmt.Sprintf("img-%d", i), "x.png", 16, 16)
		recs[i].Detection.Add(common.FromXYXY(60, 60, 170, 260), 2, -1)
	}
	ds := dataset.New(recs, nil, dataset.Options{Loader: images.LoaderFunc(func(string) (image.Image, error) {
		return test.NewImage(16, 16), nil
	})})
	l, err := loader.New[collate.EfficientDetBatch](ds, collate.NewEfficientDet(), loader.Options{BatchSize: batchSize, Workers: 2})
	require.NoError(t, err)
	return l
}

func TestONNXPredictorFromLoader(t *testing.T) {
	runner := &fakeRunner{}
	p := &ONNXPredictor{Runner: runner, DetectionThreshold: 0.5, NMS: postprocess.DefaultNMSConfig()}

	preds, err := FromLoader[collate.EfficientDetBatch](context.Background(), p, newLoader(t, 3, 2))
	require.NoError(t, err)
	require.Len(t, preds, 3)
	assert.Equal(t, [][]int64{{2, 3, 16, 16}, {1, 3, 16, 16}}, runner.shapes)

	for i, pred := range preds {
		assert.Equal(t, fmt.Sprintf("img-%d", i), pred.Pred.ImageID)
		require.NotNil(t, pred.Ground)
		assert.Equal(t, 1, pred.Ground.Detection.Len())
		assert.Equal(t, []int{2, 1}, pred.Pred.Detection.Labels)
		assert.Equal(t, []float32{0.9, 0.7}, pred.Pred.Detection.Scores)
		assert.InDeltaSlice(t, []float32{65, 59, 170, 261}, pred.Pred.Detection.BBoxes[0].Array(), 1)
		assert.InDeltaSlice(t, []float32{123, 212, 341, 292}, pred.Pred.Detection.BBoxes[1].Array(), 1)
	}
}

func TestONNXPredictorThreshold(t *testing.T) {
	p := &ONNXPredictor{Runner: &fakeRunner{}, DetectionThreshold: 1.0}
	preds, err := FromLoader[collate.EfficientDetBatch](context.Background(), p, newLoader(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, preds[0].Pred.Detection.Len())
}

func TestDecodeRejectsBadShapes(t *testing.T) {
	p := &ONNXPredictor{}
	recs := []*records.Record{records.New("a", "", 1, 1)}

	for _, shape := range [][]int64{{1, 2}, {1, 1, 5}, {2, 1, 6}} {
		_, err := p.decode(make([]float32, 12), shape, recs)
		assert.True(t, errors.Is(err, ErrOutputShape), "%v", shape)
	}
}

func TestFromLoaderErrors(t *testing.T) {
	failing := PredictorFunc[collate.EfficientDetBatch](func(context.Context, collate.EfficientDetBatch, []*records.Record) ([]records.Prediction, error) {
		return nil, errors.New("oom")
	})
	_, err := FromLoader[collate.EfficientDetBatch](context.Background(), failing, newLoader(t, 2, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predicting batch 0")

	short := PredictorFunc[collate.EfficientDetBatch](func(context.Context, collate.EfficientDetBatch, []*records.Record) ([]records.Prediction, error) {
		return nil, nil
	})
	_, err = FromLoader[collate.EfficientDetBatch](context.Background(), short, newLoader(t, 2, 1))
	assert.True(t, errors.Is(err, records.ErrLengthMismatch))
}

func TestProviderConfig(t *testing.T) {
	for _, b := range []ProviderBackend{"", CPUProviderBackend, CUDAProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend} {
		assert.NoError(t, ProviderConfig{Backend: b}.Validate(), b)
	}
	assert.True(t, errors.Is(ProviderConfig{Backend: "tpu"}.Validate(), ErrUnknownProvider))

	p := ProviderConfig{Backend: CUDAProviderBackend, DeviceID: 1, Options: map[string]string{"gpu_mem_limit": "1024"}}
	assert.Equal(t, map[string]string{"device_id": "1", "gpu_mem_limit": "1024"}, p.cudaOptions())
}

func TestNewONNXRunnerRejectsBadConfig(t *testing.T) {
	_, err := NewONNXRunner(ONNXConfig{ModelPath: "model.onnx", Provider: ProviderConfig{Backend: "tpu"}})
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	_, err = NewONNXRunner(ONNXConfig{ModelPath: t.TempDir() + "/missing.onnx"})
	assert.Error(t, err)
}
