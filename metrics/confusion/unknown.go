package confusion

import (
	"fmt"
	"sort"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/rs/zerolog/log"
)

// UnknownName names a class id that was observed but never configured.
func UnknownName(id int) string {
	return fmt.Sprintf("unknown_id_%d", id)
}

// AddUnknownLabels registers every id of groundTruth and predictions that cm does not
// cover, named with UnknownName. Ids below an observed unknown id are filled in too,
// so cm stays contiguous and ids keep their meaning. Rows and columns of gap ids nobody
// observed always hold zero counts.
//
// Arguments:
//   - groundTruth, predictions: Observed label ids.
//   - cm: The class map, grown in place.
//
// Returns:
//   - The names that were added, in id order.
//   - An error for negative ids.
func AddUnknownLabels(groundTruth, predictions []int, cm *classes.ClassMap) ([]string, error) {
	seen := make(map[int]struct{}, len(groundTruth)+len(predictions))
	for _, ids := range [][]int{groundTruth, predictions} {
		for _, id := range ids {
			if !cm.HasID(id) {
				seen[id] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}

	missing := make([]int, 0, len(seen))
	for id := range seen {
		missing = append(missing, id)
	}
	sort.Ints(missing)

	var added []string
	for _, id := range missing {
		names, err := cm.EnsureID(id, UnknownName)
		if err != nil {
			return added, err
		}
		added = append(added, names...)
	}
	if len(added) > 0 {
		log.Info().Strs("classes", added).Int("size", cm.Len()).Msg("registered unknown labels")
	}
	return added, nil
}
