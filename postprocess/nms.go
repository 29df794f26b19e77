package postprocess

import (
	"sync"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	Greedy       bool    `mapstructure:"greedy" yaml:"greedy"`               // If true, use greedy NMS.
	IoUThreshold float32 `mapstructure:"iou_threshold" yaml:"iou_threshold"` // Overlap threshold for suppression.
	ClassAware   bool    `mapstructure:"class_aware" yaml:"class_aware"`     // If true, suppress only within same class.
	NumWorkers   int     `mapstructure:"num_workers" yaml:"num_workers"`     // Number of goroutines for parallel IoU computation.
}

// DefaultNMSConfig returns class-aware greedy suppression at IoU 0.5.
func DefaultNMSConfig() *NMSConfig {
	return &NMSConfig{Greedy: true, IoUThreshold: 0.5, ClassAware: true, NumWorkers: 1}
}

// Apply runs the suppression selected by config.
func Apply(detections []Result, config *NMSConfig) []Result {
	if config.Greedy || config.NumWorkers <= 1 {
		return ApplyGreedyNMS(detections, config)
	}
	return ApplyNMS(detections, config)
}

func suppresses(config *NMSConfig, anchor, other Result) bool {
	if config.ClassAware && anchor.Class != other.Class {
		return false
	}
	return anchor.Box.IoU(other.Box) > config.IoUThreshold
}

// ApplyNMS filters overlapping detections using Non-Maximum Suppression, computing
// the overlaps of each kept anchor with NumWorkers goroutines.
//
// Arguments:
//   - detections: Sorted slice of detections (highest score first).
//   - config: NMS configuration.
//
// Returns:
//   - Filtered slice of detections. If no detections are provided, returns nil.
func ApplyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}
	workers := max(config.NumWorkers, 1)

	used := make([]bool, n)
	filtered := make([]Result, 0, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		filtered = append(filtered, detections[i])
		used[i] = true

		rest := n - i - 1
		if rest == 0 {
			break
		}
		chunk := (rest + workers - 1) / workers

		// Each worker owns a disjoint range of used.
		var wg sync.WaitGroup
		for lo := i + 1; lo < n; lo += chunk {
			hi := min(lo+chunk, n)
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				for j := lo; j < hi; j++ {
					if !used[j] && suppresses(config, detections[i], detections[j]) {
						used[j] = true
					}
				}
			}(lo, hi)
		}
		wg.Wait()
	}

	return filtered
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - config: IoUThreshold is the overlap above which boxes are suppressed.
//
// Returns:
//   - Filtered slice of detections.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}

			// Suppress if IoU exceeds threshold
			if suppresses(config, anchor, detections[j]) {
				used[j] = true
			}
		}
	}

	return filtered
}
