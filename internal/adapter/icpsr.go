package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// ICPSRAdapter pulls study metadata from an ICPSR OAI-PMH endpoint:
// one GetRecord call per configured study id, parsed as Dublin Core.
type ICPSRAdapter struct {
	client *Client
}

// oaiPMHResponse models the slice of an OAI-PMH GetRecord response the
// pipeline cares about. Element matching is by local name, so the
// dc:-prefixed Dublin Core elements bind without namespace plumbing.
type oaiPMHResponse struct {
	XMLName xml.Name `xml:"OAI-PMH"`
	Error   struct {
		Code    string `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"error"`
	Record struct {
		Header struct {
			Identifier string `xml:"identifier"`
		} `xml:"header"`
		Metadata struct {
			DC dublinCore `xml:"dc"`
		} `xml:"metadata"`
	} `xml:"GetRecord>record"`
}

type dublinCore struct {
	Titles       []string `xml:"title"`
	Creators     []string `xml:"creator"`
	Subjects     []string `xml:"subject"`
	Descriptions []string `xml:"description"`
	Publishers   []string `xml:"publisher"`
	Contributors []string `xml:"contributor"`
	Dates        []string `xml:"date"`
	Types        []string `xml:"type"`
	Formats      []string `xml:"format"`
	Identifiers  []string `xml:"identifier"`
	Sources      []string `xml:"source"`
	Languages    []string `xml:"language"`
	Relations    []string `xml:"relation"`
	Coverages    []string `xml:"coverage"`
	Rights       []string `xml:"rights"`
}

// Name implements Adapter.
func (a *ICPSRAdapter) Name() string { return "icpsr" }

// Pull implements Adapter.
func (a *ICPSRAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	records := make([]Record, 0, len(src.Filters.StudyIDs))
	for _, studyID := range src.Filters.StudyIDs {
		fetchURL := fmt.Sprintf("%s?verb=GetRecord&metadataPrefix=oai_dc&identifier=%s",
			src.Endpoint, url.QueryEscape(studyID))

		body, err := a.client.Get(ctx, fetchURL)
		if err != nil {
			return nil, err
		}

		var resp oaiPMHResponse
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, domain.TerminalErrorf("malformed OAI-PMH response for %s: %v", studyID, err)
		}
		if resp.Error.Code != "" {
			return nil, domain.TerminalErrorf("OAI-PMH error for %s: %s (%s)",
				studyID, resp.Error.Message, resp.Error.Code)
		}

		records = append(records, Record{ID: studyID, Data: resp.Record.Metadata.DC.rawRecord(studyID)})
	}
	return records, nil
}

// rawRecord flattens a Dublin Core block into a raw record: single
// occurrences become scalars, repeated elements stay lists.
func (dc dublinCore) rawRecord(studyID string) domain.RawRecord {
	raw := domain.RawRecord{"study_id": studyID}
	put := func(key string, values []string) {
		switch len(values) {
		case 0:
		case 1:
			raw[key] = values[0]
		default:
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			raw[key] = list
		}
	}
	put("title", dc.Titles)
	put("creator", dc.Creators)
	put("subject", dc.Subjects)
	put("description", dc.Descriptions)
	put("publisher", dc.Publishers)
	put("contributor", dc.Contributors)
	put("date", dc.Dates)
	put("type", dc.Types)
	put("format", dc.Formats)
	put("identifier", dc.Identifiers)
	put("source", dc.Sources)
	put("language", dc.Languages)
	put("relation", dc.Relations)
	put("coverage", dc.Coverages)
	put("rights", dc.Rights)
	return raw
}
