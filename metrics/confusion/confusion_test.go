package confusion

import (
	"testing"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groundTruth(id string, boxes []common.BBox, labels []int) *records.Record {
	r := records.New(id, id+".jpg", 100, 100)
	for i, b := range boxes {
		r.Detection.Add(b, labels[i], -1)
	}
	return r
}

func prediction(t *testing.T, ground *records.Record, boxes []common.BBox, labels []int, scores []float32) records.Prediction {
	t.Helper()
	p, err := records.NewPrediction(ground, boxes, labels, scores)
	require.NoError(t, err)
	return p
}

func TestPairwiseIoU(t *testing.T) {
	preds := []common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(50, 50, 60, 60)}
	targets := []common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(0, 0, 10, 5), common.FromXYXY(80, 80, 90, 90)}

	iou := PairwiseIoU(preds, targets)
	require.Len(t, iou, 2)
	require.Len(t, iou[0], 3)
	assert.InDelta(t, 1.0, iou[0][0], 1e-6)
	assert.InDelta(t, 0.5, iou[0][1], 1e-6)
	assert.Zero(t, iou[0][2])
	assert.Equal(t, []float32{0, 0, 0}, iou[1])

	assert.Empty(t, PairwiseIoU(nil, targets))
}

func TestZeroifyBelowThreshold(t *testing.T) {
	iou := [][]float32{{0.9, 0.5, 0.2}, {0.51, 0, 1}}
	ZeroifyBelowThreshold(iou, 0.5)
	assert.Equal(t, [][]float32{{0.9, 0, 0}, {0.51, 0, 1}}, iou)
}

func TestCoupleWithTargets(t *testing.T) {
	preds := []common.DetectedBBox{
		{BBox: common.FromXYXY(0, 0, 1, 1), Score: 0.9, Label: 1},
		{BBox: common.FromXYXY(0, 0, 2, 2), Score: 0.8, Label: 2},
	}
	iou := [][]float32{{0.7, 0}, {0.6, 0}}

	got := CoupleWithTargets(preds, iou, 2)
	require.Len(t, got, 2)
	assert.Equal(t, preds, got[0])
	assert.Empty(t, got[1])
	assert.NotNil(t, got[1])
}

func TestPickBestScore(t *testing.T) {
	dummy := DefaultConfig().Dummy()
	a := common.DetectedBBox{BBox: common.FromXYXY(0, 0, 1, 1), Score: 0.7, Label: 1}
	b := common.DetectedBBox{BBox: common.FromXYXY(0, 0, 2, 2), Score: 0.9, Label: 2}
	c := common.DetectedBBox{BBox: common.FromXYXY(0, 0, 3, 3), Score: 0.9, Label: 3}
	low := common.DetectedBBox{BBox: common.FromXYXY(0, 0, 4, 4), Score: 0.3, Label: 4}

	got := PickBestScore([][]common.DetectedBBox{{a, b}, {b, c}, {low}, {}}, 0.5, dummy)
	require.Len(t, got, 4)
	assert.Equal(t, b, got[0])
	assert.Equal(t, b, got[1], "first maximum wins ties")
	assert.Equal(t, dummy, got[2])
	assert.Equal(t, dummy, got[3])
	assert.True(t, got[3].IsBackground())
}

func TestMatchSkipsEmptyGroundTruth(t *testing.T) {
	gt := groundTruth("empty", nil, nil)
	p := prediction(t, gt, []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{1}, []float32{0.9})

	m, ok, err := MatchPredictions(p.Pred, gt, DefaultConfig())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestMatchPicksHighestScore(t *testing.T) {
	gt := groundTruth("a", []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{1})
	p := prediction(t, gt,
		[]common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(1, 0, 10, 10)},
		[]int{2, 1}, []float32{0.7, 0.9})

	m, ok, err := MatchPredictions(p.Pred, gt, DefaultConfig())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, m.Matches, 1)
	assert.Equal(t, 1, m.Matches[0].Label)
	assert.InDelta(t, 0.9, m.Matches[0].Score, 1e-6)
	assert.Equal(t, []int{1}, m.Labels)
}

func TestMatchLowConfidenceGivesDummy(t *testing.T) {
	gt := groundTruth("a", []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{3})
	p := prediction(t, gt, []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{3}, []float32{0.3})

	m, ok, err := MatchPredictions(p.Pred, gt, DefaultConfig())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, common.Background(), m.Matches[0])
	assert.Equal(t, []int{0}, m.PredictedLabels())
}

func TestMatchOnePerTarget(t *testing.T) {
	gt := groundTruth("a", []common.BBox{
		common.FromXYXY(0, 0, 10, 10),
		common.FromXYXY(50, 50, 70, 70),
		common.FromXYXY(80, 0, 90, 10),
	}, []int{1, 2, 1})
	p := prediction(t, gt,
		[]common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(50, 50, 70, 71), common.FromXYXY(30, 30, 40, 40)},
		[]int{1, 2, 2}, []float32{0.8, 0.6, 0.99})

	m, ok, err := MatchPredictions(p.Pred, gt, DefaultConfig())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, m.Len())
	assert.Len(t, m.Matches, 3)
	assert.Equal(t, []int{1, 2, 0}, m.PredictedLabels())
}

func TestMatchWithoutPredictions(t *testing.T) {
	gt := groundTruth("a", []common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(20, 20, 30, 30)}, []int{1, 1})

	m, ok, err := MatchPredictions(nil, gt, DefaultConfig())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 0}, m.PredictedLabels())
}

func TestMatchHonorsThresholds(t *testing.T) {
	gt := groundTruth("a", []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{1})
	// IoU 0.4, score 0.4.
	p := prediction(t, gt, []common.BBox{common.FromXYXY(0, 0, 10, 4)}, []int{1}, []float32{0.4})

	m, _, err := MatchPredictions(p.Pred, gt, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, m.Matches[0].IsBackground())

	loose := Config{IoUThreshold: 0.3, ConfidenceThreshold: 0.3, BackgroundID: 0}
	m, _, err = MatchPredictions(p.Pred, gt, loose)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Matches[0].Label)
}

func TestMatchLengthMismatch(t *testing.T) {
	gt := groundTruth("a", []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{1})
	pred := records.New("a", "a.jpg", 100, 100)
	pred.Detection.BBoxes = []common.BBox{common.FromXYXY(0, 0, 10, 10)}
	pred.Detection.Labels = []int{1}

	_, _, err := MatchPredictions(pred, gt, DefaultConfig())
	assert.True(t, errors.Is(err, records.ErrLengthMismatch))
}

func TestAddUnknownLabels(t *testing.T) {
	cm := classes.New([]string{"a", "b", "c", "d"})
	require.Equal(t, 5, cm.Len())

	added, err := AddUnknownLabels([]int{1, 2}, []int{7, 0}, cm)
	require.NoError(t, err)
	assert.Equal(t, []string{"unknown_id_5", "unknown_id_6", "unknown_id_7"}, added)
	assert.Equal(t, 8, cm.Len())

	name, err := cm.GetName(7)
	require.NoError(t, err)
	assert.Equal(t, "unknown_id_7", name)

	added, err = AddUnknownLabels([]int{7}, nil, cm)
	require.NoError(t, err)
	assert.Empty(t, added)

	_, err = AddUnknownLabels([]int{-1}, nil, cm)
	assert.Error(t, err)
}

func TestMatrixAccumulate(t *testing.T) {
	cm := classes.New([]string{"cat", "dog"})
	m := NewMatrix(cm, DefaultConfig())

	g1 := groundTruth("1", []common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(20, 20, 30, 30)}, []int{1, 2})
	g2 := groundTruth("2", []common.BBox{common.FromXYXY(0, 0, 10, 10)}, []int{2})
	g3 := groundTruth("3", nil, nil)

	preds := []records.Prediction{
		prediction(t, g1, []common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(20, 20, 30, 30)}, []int{1, 1}, []float32{0.9, 0.8}),
		prediction(t, g2, []common.BBox{common.FromXYXY(0, 0, 10, 10), common.FromXYXY(60, 60, 70, 70)}, []int{2, 4}, []float32{0.95, 0.9}),
		prediction(t, g3, nil, nil, nil),
	}
	require.NoError(t, m.Accumulate(preds))

	matched, skipped := m.Images()
	assert.Equal(t, 2, matched)
	assert.Equal(t, 1, skipped)

	// The unmatched prediction with label 4 still grows the map.
	assert.Equal(t, []string{"background", "cat", "dog", "unknown_id_3", "unknown_id_4"}, cm.Names())

	d := m.Dense()
	r, c := d.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 5, c)
	assert.Equal(t, 1.0, d.At(1, 1))
	assert.Equal(t, 1.0, d.At(2, 1))
	assert.Equal(t, 1.0, d.At(2, 2))
	assert.Equal(t, 3.0, sum(d.RawMatrix().Data))

	// Id 3 was never observed, only filled in below 4.
	for i := 0; i < r; i++ {
		assert.Zero(t, d.At(3, i), "row 3 col %d", i)
		assert.Zero(t, d.At(i, 3), "row %d col 3", i)
	}

	assert.InDelta(t, 0.5, m.Precision(1), 1e-9)
	assert.InDelta(t, 1.0, m.Recall(1), 1e-9)
	assert.InDelta(t, 1.0, m.Precision(2), 1e-9)
	assert.InDelta(t, 0.5, m.Recall(2), 1e-9)
	assert.Zero(t, m.Precision(4))
	assert.Zero(t, m.Recall(42))

	rep := m.Report()
	assert.Equal(t, 2, rep.Images)
	require.Len(t, rep.Summary, 5)
	assert.Equal(t, "dog", rep.Summary[2].Name)
	assert.Equal(t, 2, rep.Summary[2].Support)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, rep.Matrix[0])
	assert.Equal(t, "unknown_id_3", rep.Summary[3].Name)
	assert.Zero(t, rep.Summary[3].Support)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, rep.Matrix[3])
}

func TestMatrixRejectsOrphanPrediction(t *testing.T) {
	m := NewMatrix(classes.New(nil), DefaultConfig())
	assert.Error(t, m.Accumulate([]records.Prediction{{Pred: records.New("x", "", 1, 1)}}))
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}
