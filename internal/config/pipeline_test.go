package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/commonsmeta/aggmds/internal/domain"
)

var testAdapters = []string{"gen3", "clinicaltrials", "icpsr", "pdaps"}

const samplePipelineConfig = `{
	"configuration": {
		"schema": {
			"full_name": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "object"}},
			"subjects_count": {"type": "integer", "default": 0},
			"summary": {}
		},
		"settings": {
			"cache_drs": true,
			"drs_indexd_server": "https://dataguids.org",
			"timestamp_entry": true
		},
		"aggregations": {"totals": {"field": "subjects_count", "function": "sum"}}
	},
	"gen3_commons": {
		"HEAL": {
			"mds_url": "https://heal.example.org/mds",
			"commons_url": "https://heal.example.org",
			"columns_to_fields": {
				"full_name": "name",
				"summary": "study_description_summary"
			}
		}
	},
	"adapter_commons": {
		"ClinicalTrials": {
			"mds_url": "https://clinicaltrials.gov/api",
			"commons_url": "https://clinicaltrials.gov",
			"commons_name": "Clinical Trials",
			"adapter": "clinicaltrials",
			"filters": {"term": "heal+initiative", "size": 25},
			"field_mappings": {
				"full_name": "path:OfficialTitle",
				"summary": {"path": "BriefSummary", "filters": ["strip_html"]}
			},
			"keep_original_fields": true,
			"global_field_filters": ["strip_email"]
		}
	}
}`

func writePipelineConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadPipeline(t *testing.T) {
	pipeline, err := LoadPipeline(writePipelineConfig(t, samplePipelineConfig), testAdapters)
	if err != nil {
		t.Fatalf("LoadPipeline failed: %v", err)
	}

	if len(pipeline.Sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(pipeline.Sources))
	}
	// Sources are sorted by name.
	if pipeline.Sources[0].Name != "ClinicalTrials" || pipeline.Sources[1].Name != "HEAL" {
		t.Errorf("Expected name-ordered sources, got %q, %q",
			pipeline.Sources[0].Name, pipeline.Sources[1].Name)
	}

	if !pipeline.Settings.CacheDRS || !pipeline.Settings.TimestampEntry {
		t.Errorf("Expected settings toggles set, got %+v", pipeline.Settings)
	}
	if pipeline.Aggregations == nil {
		t.Error("Expected aggregations to be carried through")
	}
}

func TestLoadPipeline_SchemaNormalization(t *testing.T) {
	pipeline, err := LoadPipeline(writePipelineConfig(t, samplePipelineConfig), testAdapters)
	if err != nil {
		t.Fatalf("LoadPipeline failed: %v", err)
	}

	// A definition without a type defaults to string.
	if pipeline.Schema["summary"].Type != domain.TypeString {
		t.Errorf("Expected untyped field to default to string, got %q", pipeline.Schema["summary"].Type)
	}
	arrays := pipeline.Schema.ArrayFields()
	if len(arrays) != 1 || arrays[0] != "tags" {
		t.Errorf("Expected array fields [tags], got %v", arrays)
	}
}

func TestLoadPipeline_Gen3Source(t *testing.T) {
	pipeline, err := LoadPipeline(writePipelineConfig(t, samplePipelineConfig), testAdapters)
	if err != nil {
		t.Fatalf("LoadPipeline failed: %v", err)
	}

	heal := pipeline.Sources[1]
	if heal.AdapterName != Gen3AdapterName {
		t.Errorf("Expected gen3 adapter, got %q", heal.AdapterName)
	}
	if heal.CommonsName != "HEAL" {
		t.Errorf("Expected commons name to default to source name, got %q", heal.CommonsName)
	}
	if heal.StudyDataField != "gen3_discovery" {
		t.Errorf("Expected default study data field, got %q", heal.StudyDataField)
	}
	// Column mappings become path rules.
	if heal.FieldMap["full_name"] != "path:name" {
		t.Errorf("Expected column converted to path rule, got %v", heal.FieldMap["full_name"])
	}
	if heal.KeepOriginalFields {
		t.Error("Expected explicit column mapping to disable passthrough")
	}
}

func TestLoadPipeline_Gen3SourceWithoutColumns(t *testing.T) {
	content := `{
		"configuration": {"schema": {"full_name": {"type": "string"}}},
		"gen3_commons": {
			"HEAL": {"mds_url": "https://heal.example.org/mds"}
		}
	}`
	pipeline, err := LoadPipeline(writePipelineConfig(t, content), testAdapters)
	if err != nil {
		t.Fatalf("LoadPipeline failed: %v", err)
	}
	if !pipeline.Sources[0].KeepOriginalFields {
		t.Error("Expected raw passthrough when no column mapping is configured")
	}
}

func TestLoadPipeline_AdapterSource(t *testing.T) {
	pipeline, err := LoadPipeline(writePipelineConfig(t, samplePipelineConfig), testAdapters)
	if err != nil {
		t.Fatalf("LoadPipeline failed: %v", err)
	}

	ct := pipeline.Sources[0]
	if ct.AdapterName != "clinicaltrials" {
		t.Errorf("Expected clinicaltrials adapter, got %q", ct.AdapterName)
	}
	if ct.CommonsName != "Clinical Trials" {
		t.Errorf("Expected explicit commons name, got %q", ct.CommonsName)
	}
	if ct.Filters.Term != "heal+initiative" || ct.Filters.Size != 25 {
		t.Errorf("Expected filters carried through, got %+v", ct.Filters)
	}
	if !ct.KeepOriginalFields {
		t.Error("Expected keep_original_fields carried through")
	}
	if len(ct.GlobalFilters) != 1 || ct.GlobalFilters[0] != "strip_email" {
		t.Errorf("Expected global filters carried through, got %v", ct.GlobalFilters)
	}
	// Field-map keys keep their case.
	rule, ok := ct.FieldMap["summary"].(map[string]any)
	if !ok || rule["path"] != "BriefSummary" {
		t.Errorf("Expected structured rule with case-sensitive path, got %v", ct.FieldMap["summary"])
	}
}

func TestLoadPipeline_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown adapter", `{
			"configuration": {"schema": {}},
			"adapter_commons": {"X": {"mds_url": "https://x", "adapter": "nope"}}
		}`},
		{"missing adapter name", `{
			"configuration": {"schema": {}},
			"adapter_commons": {"X": {"mds_url": "https://x"}}
		}`},
		{"missing mds_url", `{
			"configuration": {"schema": {}},
			"adapter_commons": {"X": {"adapter": "clinicaltrials"}}
		}`},
		{"gen3 missing mds_url", `{
			"configuration": {"schema": {}},
			"gen3_commons": {"X": {}}
		}`},
		{"cache_drs without server", `{
			"configuration": {"schema": {}, "settings": {"cache_drs": true}},
			"gen3_commons": {"X": {"mds_url": "https://x"}}
		}`},
		{"no sources", `{"configuration": {"schema": {}}}`},
		{"not json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPipeline(writePipelineConfig(t, tt.content), testAdapters)
			if !errors.Is(err, domain.ErrConfig) {
				t.Fatalf("Expected config error, got %v", err)
			}
		})
	}
}

func TestLoadPipeline_MissingFile(t *testing.T) {
	_, err := LoadPipeline(filepath.Join(t.TempDir(), "nope.json"), testAdapters)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("Expected config error for missing file, got %v", err)
	}
}
