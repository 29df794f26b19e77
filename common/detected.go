package common

import "fmt"

// BackgroundID is the label id reserved for the background / unknown class.
const BackgroundID = 0

// ScoreRangeError reports a detection score outside [0, 1].
//
// It is a warning: the constructor that returns it still returns a usable value.
type ScoreRangeError struct {
	Score float32
}

func (e *ScoreRangeError) Error() string {
	if e.Score > 1 {
		return fmt.Sprintf("detection score larger than 1.0: %g", e.Score)
	}
	return fmt.Sprintf("detection score lower than 0.0: %g", e.Score)
}

// DetectedBBox is a predicted box together with its score and label id.
type DetectedBBox struct {
	BBox
	Score float32 `json:"score" yaml:"score"`
	Label int     `json:"label" yaml:"label"`
}

// NewDetectedBBox pairs a box with a score and a label.
//
// A score outside [0, 1] yields a *ScoreRangeError next to the fully built box so
// large evaluations can log the anomaly and carry on.
//
// Arguments:
//   - box: The predicted box.
//   - score: The model confidence.
//   - label: The predicted label id.
//
// Returns:
//   - The detection.
//   - *ScoreRangeError when the score is out of range, nil otherwise.
func NewDetectedBBox(box BBox, score float32, label int) (DetectedBBox, error) {
	d := DetectedBBox{BBox: box, Score: score, Label: label}
	if score > 1 || score < 0 {
		return d, &ScoreRangeError{Score: score}
	}
	return d, nil
}

// DetectedFromXYWH is NewDetectedBBox for a box given as corner+extent.
func DetectedFromXYWH(x, y, w, h, score float32, label int) (DetectedBBox, error) {
	return NewDetectedBBox(FromXYWH(x, y, w, h), score, label)
}

// Background returns the placeholder used when a ground-truth box has no match:
// a zero-area box with label BackgroundID and score 1.
func Background() DetectedBBox {
	return DetectedBBox{Score: 1, Label: BackgroundID}
}

// IsBackground reports whether d is the unmatched placeholder.
func (d DetectedBBox) IsBackground() bool {
	return d.Label == BackgroundID && d.BBox.IsZero()
}

func (d DetectedBBox) String() string {
	return fmt.Sprintf("Detection %d (score %f): %s", d.Label, d.Score, d.BBox)
}
