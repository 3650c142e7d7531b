package adapter

import (
	"context"
	"fmt"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// graphqlRequest is the POST body shared by the GraphQL-speaking
// vendor adapters.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse decodes into a generic data tree; each adapter digs
// out its own result shape.
type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) graphql(ctx context.Context, endpoint, query string, vars map[string]any) (map[string]any, error) {
	var resp graphqlResponse
	if err := c.PostJSON(ctx, endpoint, graphqlRequest{Query: query, Variables: vars}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, domain.TerminalErrorf("GraphQL error from %s: %s", endpoint, resp.Errors[0].Message)
	}
	return resp.Data, nil
}

// listOfMaps extracts a []map result from a generic GraphQL data tree.
func listOfMaps(data map[string]any, key string) []map[string]any {
	raw, _ := data[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// GDCAdapter pulls projects from the NCI Genomic Data Commons REST API:
// paged GETs with from/size over the projects endpoint.
type GDCAdapter struct {
	client *Client
}

type gdcProjectsResponse struct {
	Data struct {
		Hits       []domain.RawRecord `json:"hits"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	} `json:"data"`
}

// Name implements Adapter.
func (a *GDCAdapter) Name() string { return "gdc" }

// Pull implements Adapter.
func (a *GDCAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	pageSize := src.Config.BatchSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var records []Record
	for from := 0; ; from += pageSize {
		url := fmt.Sprintf("%s/projects?from=%d&size=%d&expand=summary", src.Endpoint, from, pageSize)
		var resp gdcProjectsResponse
		if err := a.client.GetJSON(ctx, url, &resp); err != nil {
			return nil, err
		}
		for _, hit := range resp.Data.Hits {
			id, _ := hit["project_id"].(string)
			if id == "" {
				id, _ = hit["id"].(string)
			}
			if id == "" {
				return nil, domain.TerminalErrorf("gdc project without project_id")
			}
			records = append(records, Record{ID: id, Data: hit})
		}
		if from+pageSize >= resp.Data.Pagination.Total || len(resp.Data.Hits) == 0 {
			return records, nil
		}
	}
}

// ICDCAdapter pulls studies from the Integrated Canine Data Commons
// Bento GraphQL API in one query.
type ICDCAdapter struct {
	client *Client
}

const icdcStudiesQuery = `{
  studiesByProgram {
    program_id
    clinical_study_designation
    clinical_study_name
    clinical_study_type
    numberOfCases
  }
}`

// Name implements Adapter.
func (a *ICDCAdapter) Name() string { return "icdc" }

// Pull implements Adapter.
func (a *ICDCAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	data, err := a.client.graphql(ctx, src.Endpoint, icdcStudiesQuery, nil)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, study := range listOfMaps(data, "studiesByProgram") {
		id := stringField(study, "clinical_study_designation")
		if id == "" {
			return nil, domain.TerminalErrorf("icdc study without clinical_study_designation")
		}
		records = append(records, Record{ID: id, Data: study})
	}
	return records, nil
}

// PDCAdapter pulls the full program/project/study catalog from the
// Proteomic Data Commons GraphQL API, flattening one record per study
// with its program and project context merged in.
type PDCAdapter struct {
	client *Client
}

const pdcCatalogQuery = `{
  allPrograms {
    program_id
    program_submitter_id
    name
    projects {
      project_id
      project_submitter_id
      name
      studies {
        pdc_study_id
        study_id
        study_submitter_id
        submitter_id_name
        analytical_fraction
        experiment_type
      }
    }
  }
}`

// Name implements Adapter.
func (a *PDCAdapter) Name() string { return "pdc" }

// Pull implements Adapter.
func (a *PDCAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	data, err := a.client.graphql(ctx, src.Endpoint, pdcCatalogQuery, nil)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, program := range listOfMaps(data, "allPrograms") {
		projects, _ := program["projects"].([]any)
		for _, rawProject := range projects {
			project, ok := rawProject.(map[string]any)
			if !ok {
				continue
			}
			studies, _ := project["studies"].([]any)
			for _, rawStudy := range studies {
				study, ok := rawStudy.(map[string]any)
				if !ok {
					continue
				}
				id := stringField(study, "pdc_study_id")
				if id == "" {
					return nil, domain.TerminalErrorf("pdc study without pdc_study_id")
				}
				record := domain.RawRecord{
					"program_name": program["name"],
					"project_name": project["name"],
				}
				for key, value := range study {
					record[key] = value
				}
				records = append(records, Record{ID: id, Data: record})
			}
		}
	}
	return records, nil
}

// PDCStudyAdapter pulls individual PDC studies by pdc_study_id: one
// GraphQL query per configured id.
type PDCStudyAdapter struct {
	client *Client
}

const pdcStudyQuery = `query ($id: String!) {
  study(pdc_study_id: $id, acceptDUA: true) {
    pdc_study_id
    study_id
    study_name
    study_shortname
    disease_type
    primary_site
    analytical_fraction
    experiment_type
    cases_count
    filesCount { files_count }
  }
}`

// Name implements Adapter.
func (a *PDCStudyAdapter) Name() string { return "pdcstudy" }

// Pull implements Adapter.
func (a *PDCStudyAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	records := make([]Record, 0, len(src.Filters.StudyIDs))
	for _, studyID := range src.Filters.StudyIDs {
		data, err := a.client.graphql(ctx, src.Endpoint, pdcStudyQuery, map[string]any{"id": studyID})
		if err != nil {
			return nil, err
		}
		studies := listOfMaps(data, "study")
		if len(studies) == 0 {
			return nil, domain.TerminalErrorf("pdc study %s not found", studyID)
		}
		records = append(records, Record{ID: studyID, Data: studies[0]})
	}
	return records, nil
}

// PDCSubjectAdapter pulls case-level records from the PDC paginated
// case API: GraphQL pages driven by offset/limit.
type PDCSubjectAdapter struct {
	client *Client
}

const pdcSubjectQuery = `query ($offset: Int!, $limit: Int!) {
  getPaginatedUICase(offset: $offset, limit: $limit) {
    total
    uiCases {
      case_id
      case_submitter_id
      disease_type
      primary_site
      program_name
      project_name
    }
  }
}`

// Name implements Adapter.
func (a *PDCSubjectAdapter) Name() string { return "pdcsubject" }

// Pull implements Adapter.
func (a *PDCSubjectAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	pageSize := src.Config.BatchSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var records []Record
	for offset := 0; ; offset += pageSize {
		data, err := a.client.graphql(ctx, src.Endpoint, pdcSubjectQuery,
			map[string]any{"offset": offset, "limit": pageSize})
		if err != nil {
			return nil, err
		}
		page, _ := data["getPaginatedUICase"].(map[string]any)
		if page == nil {
			return nil, domain.TerminalErrorf("pdc case page missing getPaginatedUICase")
		}
		cases := listOfMaps(page, "uiCases")
		for _, c := range cases {
			id := stringField(c, "case_id")
			if id == "" {
				return nil, domain.TerminalErrorf("pdc case without case_id")
			}
			records = append(records, Record{ID: id, Data: c})
		}
		total, _ := page["total"].(float64)
		if offset+pageSize >= int(total) || len(cases) == 0 {
			return records, nil
		}
	}
}

// CIDCAdapter pulls trial metadata from the Cancer Imaging Data Commons
// REST API: paged GETs over trial_metadata.
type CIDCAdapter struct {
	client *Client
}

type cidcTrialsResponse struct {
	Items []domain.RawRecord `json:"_items"`
	Meta  struct {
		Total int `json:"total"`
	} `json:"_meta"`
}

// Name implements Adapter.
func (a *CIDCAdapter) Name() string { return "cidc" }

// Pull implements Adapter.
func (a *CIDCAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	pageSize := src.Config.BatchSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var records []Record
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/trial_metadata?page_size=%d&page_num=%d", src.Endpoint, pageSize, page)
		var resp cidcTrialsResponse
		if err := a.client.GetJSON(ctx, url, &resp); err != nil {
			return nil, err
		}
		for _, trial := range resp.Items {
			id, _ := trial["trial_id"].(string)
			if id == "" {
				return nil, domain.TerminalErrorf("cidc trial without trial_id")
			}
			records = append(records, Record{ID: id, Data: trial})
		}
		if page*pageSize >= resp.Meta.Total || len(resp.Items) == 0 {
			return records, nil
		}
	}
}

// TCIAAdapter pulls image collections from the Cancer Imaging Archive
// REST API: one getCollectionValues call returning every collection.
type TCIAAdapter struct {
	client *Client
}

// Name implements Adapter.
func (a *TCIAAdapter) Name() string { return "tcia" }

// Pull implements Adapter.
func (a *TCIAAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	url := joinURL(src.Endpoint, "getCollectionValues?format=json")
	var collections []domain.RawRecord
	if err := a.client.GetJSON(ctx, url, &collections); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(collections))
	for _, collection := range collections {
		id, _ := collection["Collection"].(string)
		if id == "" {
			return nil, domain.TerminalErrorf("tcia collection without Collection name")
		}
		records = append(records, Record{ID: id, Data: collection})
	}
	return records, nil
}

// MPSAdapter pulls studies from a Microphysiology Systems database:
// one JSON GET per configured study id.
type MPSAdapter struct {
	client *Client
}

// Name implements Adapter.
func (a *MPSAdapter) Name() string { return "mps" }

// Pull implements Adapter.
func (a *MPSAdapter) Pull(ctx context.Context, src Source) ([]Record, error) {
	records := make([]Record, 0, len(src.Filters.StudyIDs))
	for _, studyID := range src.Filters.StudyIDs {
		var raw domain.RawRecord
		if err := a.client.GetJSON(ctx, joinURL(src.Endpoint, studyID), &raw); err != nil {
			return nil, err
		}
		records = append(records, Record{ID: studyID, Data: raw})
	}
	return records, nil
}
