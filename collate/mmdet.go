package collate

import (
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/nvr-ai/go-detdata/records"
	"gorgonia.org/tensor"
)

// ImgMeta is the per-image metadata mmdet needs to map predictions back to the
// source image. Shapes are (height, width, channels).
type ImgMeta struct {
	Filename    string     `json:"filename" yaml:"filename"`
	OriShape    [3]int     `json:"ori_shape" yaml:"ori_shape"`
	ImgShape    [3]int     `json:"img_shape" yaml:"img_shape"`
	PadShape    [3]int     `json:"pad_shape" yaml:"pad_shape"`
	ScaleFactor [4]float32 `json:"scale_factor" yaml:"scale_factor"`
	Flip        bool       `json:"flip" yaml:"flip"`
}

// MMDetBatch mirrors the dict-of-lists batch of mmdet detectors.
type MMDetBatch struct {
	// Img is [N, 3, Hmax, Wmax], zero padded at the bottom and right.
	Img      *tensor.Dense
	ImgMetas []ImgMeta
	// GtBBoxes holds the flat xyxy boxes of each image.
	GtBBoxes [][]float32
	// GtLabels are shifted down by one: mmdet has no background class.
	GtLabels [][]int64
	GtMasks  []common.MaskArray
}

// MMDet builds MMDetBatch values.
type MMDet struct {
	Stats images.Stats
}

// NewMMDet returns a builder normalizing with ImageNet statistics.
func NewMMDet() MMDet {
	return MMDet{Stats: images.ImageNetStats}
}

// Build pads every image to the largest height and width of the batch.
func (m MMDet) Build(recs []*records.Record) (MMDetBatch, error) {
	if len(recs) == 0 {
		return MMDetBatch{}, ErrEmptyBatch
	}

	n := len(recs)
	chw := make([][]float32, n)
	widths := make([]int, n)
	heights := make([]int, n)
	padW, padH := 0, 0
	for i, r := range recs {
		data, w, h, err := imageCHW(r, m.Stats)
		if err != nil {
			return MMDetBatch{}, err
		}
		chw[i], widths[i], heights[i] = data, w, h
		padW, padH = max(padW, w), max(padH, h)
	}

	plane := padH * padW
	pixels := make([]float32, n*3*plane)
	batch := MMDetBatch{
		ImgMetas: make([]ImgMeta, n),
		GtBBoxes: make([][]float32, n),
		GtLabels: make([][]int64, n),
		GtMasks:  make([]common.MaskArray, n),
	}
	for i, r := range recs {
		w, h := widths[i], heights[i]
		for c := 0; c < 3; c++ {
			for y := 0; y < h; y++ {
				src := chw[i][c*w*h+y*w : c*w*h+(y+1)*w]
				copy(pixels[(i*3+c)*plane+y*padW:], src)
			}
		}

		labels := make([]int64, len(r.Detection.Labels))
		for j, l := range r.Detection.Labels {
			labels[j] = int64(l - 1)
		}
		batch.ImgMetas[i] = ImgMeta{
			Filename:    r.Filepath,
			OriShape:    [3]int{h, w, 3},
			ImgShape:    [3]int{h, w, 3},
			PadShape:    [3]int{padH, padW, 3},
			ScaleFactor: [4]float32{1, 1, 1, 1},
		}
		batch.GtBBoxes[i] = common.Flatten(r.Detection.BBoxes)
		batch.GtLabels[i] = labels
		batch.GtMasks[i] = r.Detection.Masks.Clone()
	}
	batch.Img = dense(pixels, n, 3, padH, padW)
	return batch, nil
}
