// Package postprocess - Filtering and suppression of raw model detections.
package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-detdata/common"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, xyxy in image pixels.
	Box common.BBox
	// The confidence score of the result.
	Score float32
	// The predicted class id of the result.
	Class int
}

// SortByScore orders results by descending score, keeping the input order of ties.
func SortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

// FilterByScore keeps the results scoring at least threshold.
func FilterByScore(results []Result, threshold float32) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// Split returns the parallel boxes, labels and scores of results.
func Split(results []Result) ([]common.BBox, []int, []float32) {
	boxes := make([]common.BBox, len(results))
	labels := make([]int, len(results))
	scores := make([]float32, len(results))
	for i, r := range results {
		boxes[i], labels[i], scores[i] = r.Box, r.Class, r.Score
	}
	return boxes, labels, scores
}
