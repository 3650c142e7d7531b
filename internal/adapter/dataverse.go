package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// DataverseAdapter pulls datasets from a Harvard Dataverse instance:
// one dataset GET per persistent id, then one DDI codebook GET per data
// file to derive the variable-level data dictionary.
type DataverseAdapter struct {
	client *Client
}

type dataverseDataset struct {
	Data struct {
		ID            int    `json:"id"`
		PersistentURL string `json:"persistentUrl"`
		LatestVersion struct {
			MetadataBlocks struct {
				Citation struct {
					Fields []dataverseField `json:"fields"`
				} `json:"citation"`
			} `json:"metadataBlocks"`
			Files []struct {
				Label    string `json:"label"`
				DataFile struct {
					ID          int    `json:"id"`
					Filename    string `json:"filename"`
					ContentType string `json:"contentType"`
				} `json:"dataFile"`
			} `json:"files"`
		} `json:"latestVersion"`
	} `json:"data"`
}

type dataverseField struct {
	TypeName string `json:"typeName"`
	Value    any    `json:"value"`
}

// ddiCodebook models the slice of a DDI codebook the data dictionary
// needs: the variable descriptions.
type ddiCodebook struct {
	XMLName   xml.Name `xml:"codeBook"`
	Variables []struct {
		Name     string `xml:"name,attr"`
		Label    string `xml:"labl"`
		Interval string `xml:"intrvl,attr"`
	} `xml:"dataDscr>var"`
}

// Name implements Adapter.
func (a *DataverseAdapter) Name() string { return "harvard_dataverse" }

// Pull implements Adapter.
func (a *DataverseAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	records := make([]Record, 0, len(src.Filters.StudyIDs))
	for _, persistentID := range src.Filters.StudyIDs {
		fetchURL := fmt.Sprintf("%s/api/datasets/:persistentId/?persistentId=%s",
			src.Endpoint, url.QueryEscape(persistentID))

		var dataset dataverseDataset
		if err := a.client.GetJSON(ctx, fetchURL, &dataset); err != nil {
			return nil, err
		}

		raw := domain.RawRecord{"persistent_id": persistentID}
		for _, field := range dataset.Data.LatestVersion.MetadataBlocks.Citation.Fields {
			raw[field.TypeName] = field.Value
		}

		dataDict := make(map[string]any)
		var files []any
		for _, file := range dataset.Data.LatestVersion.Files {
			files = append(files, map[string]any{
				"filename":     file.DataFile.Filename,
				"content_type": file.DataFile.ContentType,
			})
			vars, err := a.fetchDataDictionary(ctx, src.Endpoint, file.DataFile.ID)
			if err != nil {
				// A file without a DDI codebook is common; skip it.
				continue
			}
			for name, entry := range vars {
				dataDict[name] = entry
			}
		}
		raw["files"] = files
		if len(dataDict) > 0 {
			raw["data_dictionary"] = dataDict
		}

		records = append(records, Record{ID: persistentID, Data: raw})
	}
	return records, nil
}

func (a *DataverseAdapter) fetchDataDictionary(ctx context.Context, endpoint string, fileID int) (map[string]any, error) {
	ddiURL := fmt.Sprintf("%s/api/access/datafile/%d/metadata/ddi", endpoint, fileID)
	body, err := a.client.Get(ctx, ddiURL)
	if err != nil {
		return nil, err
	}

	var codebook ddiCodebook
	if err := xml.Unmarshal(body, &codebook); err != nil {
		return nil, domain.TerminalErrorf("malformed DDI codebook for file %d: %v", fileID, err)
	}

	vars := make(map[string]any, len(codebook.Variables))
	for _, v := range codebook.Variables {
		vars[v.Name] = map[string]any{
			"name":     v.Name,
			"label":    v.Label,
			"interval": v.Interval,
		}
	}
	return vars, nil
}
