// Package confusion - Greedy IoU matching of predictions to ground truth and the
// confusion matrix built from it.
//
// Matching is a pure function of one prediction record and one ground-truth record.
// Matrix aggregates matches over many images and grows the class map so every
// observed label id has a row and a column.
package confusion

import (
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config holds the matching thresholds.
type Config struct {
	// IoUThreshold is the overlap a prediction must exceed to be a candidate.
	IoUThreshold float32 `mapstructure:"iou_threshold" yaml:"iou_threshold"`
	// ConfidenceThreshold is the score a candidate must exceed to be selected.
	ConfidenceThreshold float32 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	// BackgroundID labels the placeholder used for unmatched ground truth.
	BackgroundID int `mapstructure:"background_id" yaml:"background_id"`
}

// DefaultConfig returns thresholds of 0.5 and the background class at id 0.
func DefaultConfig() Config {
	return Config{IoUThreshold: 0.5, ConfidenceThreshold: 0.5, BackgroundID: common.BackgroundID}
}

// Dummy returns the placeholder matched to ground truth without a usable prediction.
func (c Config) Dummy() common.DetectedBBox {
	d := common.Background()
	d.Label = c.BackgroundID
	return d
}

// Match is the outcome for one image: one entry per ground-truth box.
type Match struct {
	Targets []common.BBox
	Labels  []int
	// Matches holds the selected prediction, or the dummy, for each target.
	Matches []common.DetectedBBox
}

// Len returns the number of ground-truth boxes covered.
func (m Match) Len() int {
	return len(m.Targets)
}

// PredictedLabels returns the labels of Matches.
func (m Match) PredictedLabels() []int {
	out := make([]int, len(m.Matches))
	for i, d := range m.Matches {
		out[i] = d.Label
	}
	return out
}

// PairwiseIoU returns the IoU of every prediction (rows) with every target (columns).
func PairwiseIoU(preds, targets []common.BBox) [][]float32 {
	out := make([][]float32, len(preds))
	for i, p := range preds {
		out[i] = make([]float32, len(targets))
		for j, t := range targets {
			out[i][j] = p.IoU(t)
		}
	}
	return out
}

// ZeroifyBelowThreshold sets every entry at or below threshold to zero, in place.
func ZeroifyBelowThreshold(iou [][]float32, threshold float32) [][]float32 {
	for _, row := range iou {
		for j, v := range row {
			if v <= threshold {
				row[j] = 0
			}
		}
	}
	return iou
}

// CoupleWithTargets groups predictions by target column: target j collects every
// prediction whose entry in column j is non-zero, in prediction order.
func CoupleWithTargets(preds []common.DetectedBBox, iou [][]float32, numTargets int) [][]common.DetectedBBox {
	out := make([][]common.DetectedBBox, numTargets)
	for j := range out {
		out[j] = []common.DetectedBBox{}
		for i, row := range iou {
			if row[j] != 0 {
				out[j] = append(out[j], preds[i])
			}
		}
	}
	return out
}

// PickBestScore selects, for each target, the highest scoring candidate whose score
// exceeds confidenceThreshold. The first maximum wins ties. Targets without such a
// candidate get dummy.
func PickBestScore(candidates [][]common.DetectedBBox, confidenceThreshold float32, dummy common.DetectedBBox) []common.DetectedBBox {
	out := make([]common.DetectedBBox, len(candidates))
	for j, group := range candidates {
		best, found := dummy, false
		for _, c := range group {
			if c.Score <= confidenceThreshold {
				continue
			}
			if !found || c.Score > best.Score {
				best, found = c, true
			}
		}
		out[j] = best
	}
	return out
}

// MatchPredictions pairs each ground-truth box of target with the best prediction of pred.
//
// Arguments:
//   - pred: The model output; Scores must be parallel to BBoxes.
//   - target: The ground truth.
//   - cfg: Thresholds and the background id.
//
// Returns:
//   - The match, one entry per ground-truth box.
//   - false when target has no boxes: the image is skipped.
//   - ErrLengthMismatch when pred's parallel sequences disagree.
func MatchPredictions(pred, target *records.Record, cfg Config) (Match, bool, error) {
	gt := target.Detection
	if len(gt.BBoxes) == 0 {
		return Match{}, false, nil
	}
	if err := gt.Validate(); err != nil {
		return Match{}, false, errors.Wrapf(err, "ground truth %s", target.ImageID)
	}

	var detected []common.DetectedBBox
	if pred != nil && pred.Detection.Len() > 0 {
		d := pred.Detection
		if len(d.Scores) != len(d.BBoxes) || len(d.Labels) != len(d.BBoxes) {
			return Match{}, false, errors.Wrapf(records.ErrLengthMismatch,
				"prediction %s: %d bboxes, %d scores, %d labels", pred.ImageID, len(d.BBoxes), len(d.Scores), len(d.Labels))
		}
		detected = make([]common.DetectedBBox, len(d.BBoxes))
		for i := range d.BBoxes {
			det, err := common.NewDetectedBBox(d.BBoxes[i], d.Scores[i], d.Labels[i])
			if err != nil {
				log.Warn().Err(err).Str("image", pred.ImageID).Int("index", i).Msg("invalid prediction score")
			}
			detected[i] = det
		}
	}

	predBoxes := make([]common.BBox, len(detected))
	for i, d := range detected {
		predBoxes[i] = d.BBox
	}
	iou := PairwiseIoU(predBoxes, gt.BBoxes)

	// Keep predictions that overlap at least one target above the threshold.
	var (
		kept    []common.DetectedBBox
		keptIoU [][]float32
	)
	for i, row := range iou {
		for _, v := range row {
			if v > cfg.IoUThreshold {
				kept = append(kept, detected[i])
				keptIoU = append(keptIoU, row)
				break
			}
		}
	}
	ZeroifyBelowThreshold(keptIoU, cfg.IoUThreshold)

	candidates := CoupleWithTargets(kept, keptIoU, len(gt.BBoxes))
	matches := PickBestScore(candidates, cfg.ConfidenceThreshold, cfg.Dummy())

	return Match{
		Targets: append([]common.BBox(nil), gt.BBoxes...),
		Labels:  append([]int(nil), gt.Labels...),
		Matches: matches,
	}, true, nil
}
