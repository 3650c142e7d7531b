package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/commonsmeta/aggmds/internal/domain"
)

const gen3DefaultPageSize = 1000

// Gen3Adapter pulls discovery metadata from another gen3 metadata
// service: paged GETs with _guid_type=discovery_metadata until a short
// page comes back.
type Gen3Adapter struct {
	client *Client
}

// Name implements Adapter.
func (a *Gen3Adapter) Name() string { return "gen3" }

// Pull implements Adapter. Records are returned in guid order so
// repeated rebuilds of the same catalog are deterministic.
func (a *Gen3Adapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	pageSize := src.Config.BatchSize
	if pageSize <= 0 {
		pageSize = gen3DefaultPageSize
	}

	var records []Record
	for offset := 0; ; offset += pageSize {
		url := fmt.Sprintf("%s?data=True&_guid_type=%s&limit=%d&offset=%d",
			src.Endpoint, domain.GUIDType, pageSize, offset)

		var page map[string]domain.RawRecord
		if err := a.client.GetJSON(ctx, url, &page); err != nil {
			return nil, err
		}

		guids := make([]string, 0, len(page))
		for guid := range page {
			guids = append(guids, guid)
		}
		sort.Strings(guids)
		for _, guid := range guids {
			records = append(records, Record{ID: guid, Data: page[guid]})
		}

		if len(page) < pageSize {
			return records, nil
		}
	}
}
