package parsers

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Splitter partitions image ids into named splits (train, valid, ...).
type Splitter interface {
	Split(ids []string) ([][]string, error)
}

// SingleSplitSplitter keeps every id in one split.
type SingleSplitSplitter struct{}

// Split returns ids as the only split.
func (SingleSplitSplitter) Split(ids []string) ([][]string, error) {
	return [][]string{append([]string(nil), ids...)}, nil
}

// RandomSplitter shuffles ids with a fixed seed and cuts them by proportion.
type RandomSplitter struct {
	// Probs are the split proportions; they must sum to 1.
	Probs []float64
	Seed  uint64
}

// NewRandomSplitter validates probs and returns the splitter.
func NewRandomSplitter(probs []float64, seed uint64) (*RandomSplitter, error) {
	s := &RandomSplitter{Probs: probs, Seed: seed}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RandomSplitter) validate() error {
	if len(s.Probs) == 0 {
		return errors.Wrap(ErrInvalidSplit, "no probabilities")
	}
	sum := 0.0
	for _, p := range s.Probs {
		if p < 0 {
			return errors.Wrapf(ErrInvalidSplit, "negative probability %v", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return errors.Wrapf(ErrInvalidSplit, "probabilities sum to %v", sum)
	}
	return nil
}

// Split shuffles a copy of ids and cuts it at ceil(cumsum(Probs) * len(ids)).
//
// Arguments:
//   - ids: The image ids in parse order.
//
// Returns:
//   - One id slice per probability. The same seed and ids always yield the same splits.
//   - ErrInvalidSplit if the probabilities are unusable.
func (s *RandomSplitter) Split(ids []string) ([][]string, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	shuffled := append([]string(nil), ids...)
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := len(shuffled)
	out := make([][]string, len(s.Probs))
	start, cum := 0, 0.0
	for i, p := range s.Probs {
		cum += p
		end := int(math.Ceil(cum*float64(n) - 1e-9))
		if i == len(s.Probs)-1 || end > n {
			end = n
		}
		if end < start {
			end = start
		}
		out[i] = shuffled[start:end]
		start = end
	}
	return out, nil
}

// FixedSplitter uses predefined id lists. Ids that were not parsed are ignored.
type FixedSplitter struct {
	Splits [][]string
}

// Split returns the configured splits restricted to ids.
func (s FixedSplitter) Split(ids []string) ([][]string, error) {
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	out := make([][]string, len(s.Splits))
	for i, split := range s.Splits {
		out[i] = []string{}
		for _, id := range split {
			if _, ok := known[id]; ok {
				out[i] = append(out[i], id)
			}
		}
	}
	return out, nil
}
