package aggregate

import (
	"math"
	"sort"
	"strings"

	"github.com/streamtimeline/backend/internal/models"
)

// Merge combines closed-segment totals with baseline hours. Keys are
// case-insensitive game names; baseline seconds and segment seconds are
// additive. The baseline's spelling of a name wins over the segments'.
// Output is ordered by duration descending, then name ascending.
func Merge(totals []GameTotal, baselines []models.GameBaseline) []models.GameAggregate {
	type entry struct {
		name    string
		seconds int64
	}
	merged := make(map[string]*entry)

	sorted := make([]GameTotal, len(totals))
	copy(sorted, totals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Game < sorted[j].Game })
	for _, t := range sorted {
		key := strings.ToLower(t.Game)
		if e, ok := merged[key]; ok {
			e.seconds += t.DurationSeconds
		} else {
			merged[key] = &entry{name: t.Game, seconds: t.DurationSeconds}
		}
	}
	for _, b := range baselines {
		key := strings.ToLower(b.Game)
		seconds := int64(math.Round(b.Hours * 3600))
		if e, ok := merged[key]; ok {
			e.seconds += seconds
			e.name = b.Game
		} else {
			merged[key] = &entry{name: b.Game, seconds: seconds}
		}
	}

	out := make([]models.GameAggregate, 0, len(merged))
	for _, e := range merged {
		out = append(out, models.GameAggregate{Game: e.name, DurationSeconds: e.seconds})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationSeconds != out[j].DurationSeconds {
			return out[i].DurationSeconds > out[j].DurationSeconds
		}
		return out[i].Game < out[j].Game
	})
	return out
}
