package query

import (
	"context"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// TagRollup is the per-category summary of tag usage.
type TagRollup struct {
	Total int            `json:"total"`
	Names map[string]int `json:"names"`
}

// AllTags rolls tags up across the live cycle: per category, the set
// of tag names with the number of records carrying each. A record
// contributes at most once per distinct tag.
func (e *Engine) AllTags(ctx context.Context) (map[string]TagRollup, error) {
	hits, err := e.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	rollup := make(map[string]TagRollup)
	for _, h := range hits {
		set := domain.NewTagSet()
		set.Add(domain.ExtractTags(normalizedOf(h.Record))...)
		for _, tag := range set.Sorted() {
			entry, ok := rollup[tag.Category]
			if !ok {
				entry = TagRollup{Names: make(map[string]int)}
			}
			entry.Names[tag.Name]++
			entry.Total++
			rollup[tag.Category] = entry
		}
	}
	return rollup, nil
}
