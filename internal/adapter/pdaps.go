package adapter

import (
	"context"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// PDAPSAdapter pulls dataset documents from a PDAPS/monQcle endpoint:
// one JSON GET per configured dataset slug.
type PDAPSAdapter struct {
	client *Client
}

// Name implements Adapter.
func (a *PDAPSAdapter) Name() string { return "pdaps" }

// Pull implements Adapter.
func (a *PDAPSAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	records := make([]Record, 0, len(src.Filters.StudyIDs))
	for _, slug := range src.Filters.StudyIDs {
		fetchURL := joinURL(src.Endpoint, "siteitem/"+slug)

		var raw domain.RawRecord
		if err := a.client.GetJSON(ctx, fetchURL, &raw); err != nil {
			return nil, err
		}

		id := slug
		if monqcleID, ok := raw["_id"].(string); ok && monqcleID != "" {
			id = monqcleID
		}
		records = append(records, Record{ID: id, Data: raw})
	}
	return records, nil
}
