package analysis

import (
	"sort"

	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/types"
)

// Aggregate returns the deduplicated union of all completed sections' events,
// ordered by ascending section index and first-seen order within a section.
// Two events sharing a dedup key keep only the first-seen one.
func Aggregate(s *types.AnalysisSession) []schema.Event {
	if s == nil {
		return []schema.Event{}
	}

	indices := make([]int, 0, len(s.EventsPerSection))
	for idx := range s.EventsPerSection {
		if s.Completed(idx) {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	seen := make(map[string]bool)
	all := []schema.Event{}
	for _, idx := range indices {
		for _, ev := range s.EventsPerSection[idx] {
			key := schema.Key(ev)
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, ev)
		}
	}
	return all
}
