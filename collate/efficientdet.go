package collate

import (
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PadValue fills the unused box and label slots of padded batches.
const PadValue = -1

// EfficientDetBatch is the stacked-tensor layout of effdet style models.
type EfficientDetBatch struct {
	// Images is [N, 3, H, W].
	Images *tensor.Dense
	// BBoxes is [N, K, 4] in yxyx order, K the largest annotation count (at least 1).
	BBoxes *tensor.Dense
	// Labels is [N, K].
	Labels *tensor.Dense
	// ImgSize is [N, 2] holding (height, width).
	ImgSize *tensor.Dense
	// ImgScale is [N], all ones.
	ImgScale *tensor.Dense
	// Counts holds the unpadded annotation count per image.
	Counts []int
}

// EfficientDet builds EfficientDetBatch values. All images must share one size.
type EfficientDet struct {
	Stats images.Stats
}

// NewEfficientDet returns a builder normalizing with ImageNet statistics.
func NewEfficientDet() EfficientDet {
	return EfficientDet{Stats: images.ImageNetStats}
}

// Build stacks images and pads boxes and labels to the batch maximum with PadValue.
func (e EfficientDet) Build(recs []*records.Record) (EfficientDetBatch, error) {
	if len(recs) == 0 {
		return EfficientDetBatch{}, ErrEmptyBatch
	}

	n, k := len(recs), max(maxCount(recs), 1)
	var (
		pixels []float32
		width  int
		height int
	)
	boxes := make([]float32, n*k*4)
	labels := make([]float32, n*k)
	sizes := make([]float32, 0, n*2)
	scales := make([]float32, n)
	counts := make([]int, n)
	for i := range boxes {
		boxes[i] = PadValue
	}
	for i := range labels {
		labels[i] = PadValue
	}

	for i, r := range recs {
		data, w, h, err := imageCHW(r, e.Stats)
		if err != nil {
			return EfficientDetBatch{}, err
		}
		if i == 0 {
			width, height = w, h
			pixels = make([]float32, 0, n*len(data))
		} else if w != width || h != height {
			return EfficientDetBatch{}, errors.Wrapf(ErrShapeMismatch, "%s is %dx%d, expected %dx%d",
				r.ImageID, w, h, width, height)
		}
		pixels = append(pixels, data...)

		for j, box := range r.Detection.BBoxes {
			yxyx := box.YXYX()
			copy(boxes[(i*k+j)*4:], yxyx[:])
			labels[i*k+j] = float32(r.Detection.Labels[j])
		}
		sizes = append(sizes, float32(h), float32(w))
		scales[i] = 1
		counts[i] = r.Detection.Len()
	}

	return EfficientDetBatch{
		Images:   dense(pixels, n, 3, height, width),
		BBoxes:   dense(boxes, n, k, 4),
		Labels:   dense(labels, n, k),
		ImgSize:  dense(sizes, n, 2),
		ImgScale: dense(scales, n),
		Counts:   counts,
	}, nil
}
