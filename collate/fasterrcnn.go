package collate

import (
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/records"
	"gorgonia.org/tensor"
)

// Target holds the annotations of one image in torchvision order.
type Target struct {
	// Boxes is the flat xyxy view, 4 values per instance.
	Boxes  []float32
	Labels []int64
	Masks  common.MaskArray
}

// FasterRCNNBatch is a ragged batch: the backend accepts images of different sizes
// and targets of different lengths.
type FasterRCNNBatch struct {
	// Images holds one [3, H, W] tensor per record.
	Images  []*tensor.Dense
	Targets []Target
}

// FasterRCNN builds FasterRCNNBatch values. Images are scaled to [0, 1] only; the
// backend normalizes internally.
type FasterRCNN struct {
	Stats images.Stats
}

// NewFasterRCNN returns a builder with identity statistics.
func NewFasterRCNN() FasterRCNN {
	return FasterRCNN{Stats: images.IdentityStats}
}

// Build keeps images and annotations per record without padding.
func (f FasterRCNN) Build(recs []*records.Record) (FasterRCNNBatch, error) {
	if len(recs) == 0 {
		return FasterRCNNBatch{}, ErrEmptyBatch
	}

	batch := FasterRCNNBatch{
		Images:  make([]*tensor.Dense, len(recs)),
		Targets: make([]Target, len(recs)),
	}
	for i, r := range recs {
		data, w, h, err := imageCHW(r, f.Stats)
		if err != nil {
			return FasterRCNNBatch{}, err
		}
		batch.Images[i] = dense(data, 3, h, w)

		labels := make([]int64, len(r.Detection.Labels))
		for j, l := range r.Detection.Labels {
			labels[j] = int64(l)
		}
		batch.Targets[i] = Target{
			Boxes:  common.Flatten(r.Detection.BBoxes),
			Labels: labels,
			Masks:  r.Detection.Masks.Clone(),
		}
	}
	return batch, nil
}
