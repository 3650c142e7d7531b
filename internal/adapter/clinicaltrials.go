package adapter

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/commonsmeta/aggmds/internal/domain"
)

const (
	ctDefaultBatchSize = 100
	ctDefaultMaxItems  = 500
)

// ClinicalTrialsAdapter pulls full study records from the
// clinicaltrials.gov full-studies API: batched GETs over a rank window
// (min_rnk/max_rnk) for a configured search expression, capped at
// maxItems.
type ClinicalTrialsAdapter struct {
	client *Client
}

type ctFullStudiesResponse struct {
	FullStudiesResponse struct {
		NStudiesFound    int `json:"NStudiesFound"`
		NStudiesReturned int `json:"NStudiesReturned"`
		FullStudies      []struct {
			Study map[string]any `json:"Study"`
		} `json:"FullStudies"`
	} `json:"FullStudiesResponse"`
}

// Name implements Adapter.
func (a *ClinicalTrialsAdapter) Name() string { return "clinicaltrials" }

// Pull implements Adapter.
func (a *ClinicalTrialsAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	batchSize := src.Config.BatchSize
	if batchSize <= 0 {
		batchSize = ctDefaultBatchSize
	}
	maxItems := src.Config.MaxItems
	if maxItems <= 0 {
		maxItems = ctDefaultMaxItems
	}
	if batchSize > maxItems {
		batchSize = maxItems
	}

	var records []Record
	for offset := 0; offset < maxItems; offset += batchSize {
		minRank := offset + 1
		maxRank := offset + batchSize
		if maxRank > maxItems {
			maxRank = maxItems
		}
		fetchURL := fmt.Sprintf("%s?expr=%s&fmt=json&min_rnk=%d&max_rnk=%d",
			src.Endpoint, url.QueryEscape(src.Filters.Term), minRank, maxRank)

		var resp ctFullStudiesResponse
		if err := a.client.GetJSON(ctx, fetchURL, &resp); err != nil {
			return nil, err
		}

		for _, full := range resp.FullStudiesResponse.FullStudies {
			flat := flattenRecord(full.Study)
			id, _ := flat["NCTId"].(string)
			if id == "" {
				return nil, domain.TerminalErrorf("clinicaltrials record without NCTId")
			}
			records = append(records, Record{ID: id, Data: flat})
		}

		if maxRank >= resp.FullStudiesResponse.NStudiesFound {
			break
		}
	}
	return records, nil
}

// flattenRecord hoists every leaf of the deeply nested study document
// to the top level, so field maps can address "BriefSummary" instead of
// the full module path. The first occurrence of a key wins.
func flattenRecord(study map[string]any) domain.RawRecord {
	flat := make(domain.RawRecord)
	var walk func(m map[string]any)
	walk = func(m map[string]any) {
		keys := make([]string, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if nested, ok := m[key].(map[string]any); ok {
				walk(nested)
				continue
			}
			if _, exists := flat[key]; !exists {
				flat[key] = m[key]
			}
		}
	}
	walk(study)
	return flat
}
