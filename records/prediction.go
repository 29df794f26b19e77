package records

import (
	"encoding/json"
	"os"

	"github.com/nvr-ai/go-detdata/common"
	"github.com/pkg/errors"
)

// Prediction pairs a ground-truth record with the model output for the same image.
type Prediction struct {
	Ground *Record
	Pred   *Record
}

// NewPrediction builds the prediction record for ground from parallel model outputs.
//
// Arguments:
//   - ground: The record the model was run on.
//   - boxes, labels, scores: Parallel model outputs.
//
// Returns:
//   - The prediction.
//   - ErrLengthMismatch if the outputs differ in length.
func NewPrediction(ground *Record, boxes []common.BBox, labels []int, scores []float32) (Prediction, error) {
	pred := New(ground.ImageID, ground.Filepath, ground.Width, ground.Height)
	pred.Detection = Detection{
		BBoxes: append([]common.BBox(nil), boxes...),
		Labels: append([]int(nil), labels...),
		Scores: append([]float32(nil), scores...),
	}
	if len(scores) != len(boxes) {
		return Prediction{}, errors.Wrapf(ErrLengthMismatch, "prediction %s: %d scores vs %d bboxes",
			ground.ImageID, len(scores), len(boxes))
	}
	if err := pred.Validate(); err != nil {
		return Prediction{}, err
	}
	return Prediction{Ground: ground, Pred: pred}, nil
}

// predictionFile is one entry of a predictions JSON file.
type predictionFile struct {
	ImageID string       `json:"image_id"`
	BBoxes  [][4]float32 `json:"bboxes"`
	Labels  []int        `json:"labels"`
	Scores  []float32    `json:"scores"`
}

// LoadPredictions reads xyxy predictions exported by an inference run and pairs them
// with the ground-truth records by image id. Ground-truth images without an entry
// get an empty prediction; entries for unknown images are ignored.
func LoadPredictions(path string, ground []*Record) ([]Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read predictions")
	}
	var entries []predictionFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to decode predictions %s", path)
	}

	byID := make(map[string]predictionFile, len(entries))
	for _, e := range entries {
		byID[e.ImageID] = e
	}

	preds := make([]Prediction, 0, len(ground))
	for _, g := range ground {
		e := byID[g.ImageID]
		boxes := make([]common.BBox, len(e.BBoxes))
		for i, b := range e.BBoxes {
			boxes[i] = common.FromXYXY(b[0], b[1], b[2], b[3])
		}
		if len(e.Labels) != len(boxes) {
			return nil, errors.Wrapf(ErrLengthMismatch, "prediction %s: %d labels vs %d bboxes",
				g.ImageID, len(e.Labels), len(boxes))
		}
		p, err := NewPrediction(g, boxes, e.Labels, e.Scores)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}
