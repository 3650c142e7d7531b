package config

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/commonsmeta/aggmds/internal/adapter"
	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/transform"
)

// Gen3AdapterName is the adapter driving gen3_commons sources.
const Gen3AdapterName = "gen3"

// PipelineSettings are the build-time toggles of a pipeline config.
type PipelineSettings struct {
	CacheDRS        bool   `json:"cache_drs"`
	DRSIndexdServer string `json:"drs_indexd_server"`
	TimestampEntry  bool   `json:"timestamp_entry"`
}

// SelectField restricts a gen3 source to records whose named raw field
// carries the given value.
type SelectField struct {
	FieldName  string `json:"field_name"`
	FieldValue string `json:"field_value"`
}

// SourceConfig describes one configured catalog source after loading.
type SourceConfig struct {
	// Name is the config key of the source.
	Name string
	// CommonsName is the display name stamped into every record;
	// defaults to Name.
	CommonsName string
	// AdapterName selects the registered adapter implementation.
	AdapterName string
	Endpoint    string
	CommonsURL  string
	// FieldMap holds the raw per-field rules, ready for
	// transform.ParseFieldMap.
	FieldMap map[string]any
	// StudyDataField and DataDictField name the raw-record keys holding
	// the study and data-dictionary groups on gen3 sources.
	StudyDataField string
	DataDictField  string
	SelectField    *SelectField

	PerItemValues      map[string]map[string]any
	KeepOriginalFields bool
	GlobalFilters      []string
	Filters            adapter.SourceFilters
	Config             adapter.SourceTuning
}

// Pipeline is a fully loaded pipeline configuration.
type Pipeline struct {
	Schema       domain.Schema
	Settings     PipelineSettings
	Aggregations map[string]any
	// Sources are ordered by name so a rebuild walks them
	// deterministically.
	Sources []SourceConfig
}

type gen3CommonsFile struct {
	MDSURL          string            `json:"mds_url"`
	CommonsURL      string            `json:"commons_url"`
	CommonsName     string            `json:"commons_name"`
	ColumnsToFields map[string]string `json:"columns_to_fields"`
	StudyDataField  string            `json:"study_data_field"`
	DataDictField   string            `json:"data_dict_field"`
	SelectField     *SelectField         `json:"select_field"`
	Config          adapter.SourceTuning `json:"config"`
}

type adapterCommonsFile struct {
	MDSURL             string                    `json:"mds_url"`
	CommonsURL         string                    `json:"commons_url"`
	CommonsName        string                    `json:"commons_name"`
	Adapter            string                    `json:"adapter"`
	Filters            adapter.SourceFilters     `json:"filters"`
	Config             adapter.SourceTuning      `json:"config"`
	FieldMappings      map[string]any            `json:"field_mappings"`
	PerItemValues      map[string]map[string]any `json:"per_item_values"`
	KeepOriginalFields bool                      `json:"keep_original_fields"`
	GlobalFieldFilters []string                  `json:"global_field_filters"`
}

type pipelineFile struct {
	Configuration struct {
		Schema       map[string]domain.FieldDefinition `json:"schema"`
		Settings     PipelineSettings                  `json:"settings"`
		Aggregations map[string]any                    `json:"aggregations"`
	} `json:"configuration"`
	Gen3Commons    map[string]gen3CommonsFile    `json:"gen3_commons"`
	AdapterCommons map[string]adapterCommonsFile `json:"adapter_commons"`
}

// LoadPipeline reads and validates a pipeline configuration file.
// knownAdapters is the set of registered adapter names; an unknown
// adapter is a configuration error. The file is parsed with
// encoding/json directly because field-map keys are case-sensitive.
func LoadPipeline(path string, knownAdapters []string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ConfigErrorf("read pipeline config: %v", err)
	}
	return ParsePipeline(data, knownAdapters)
}

// ParsePipeline parses a pipeline configuration from its JSON form.
func ParsePipeline(data []byte, knownAdapters []string) (*Pipeline, error) {
	var file pipelineFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, domain.ConfigErrorf("parse pipeline config: %v", err)
	}

	known := make(map[string]bool, len(knownAdapters))
	for _, name := range knownAdapters {
		known[name] = true
	}

	pipeline := &Pipeline{
		Schema:       domain.Schema(file.Configuration.Schema).Normalize(),
		Settings:     file.Configuration.Settings,
		Aggregations: file.Configuration.Aggregations,
	}
	if pipeline.Settings.CacheDRS && pipeline.Settings.DRSIndexdServer == "" {
		return nil, domain.ConfigErrorf("cache_drs requires drs_indexd_server")
	}

	for name, gc := range file.Gen3Commons {
		if gc.MDSURL == "" {
			return nil, domain.ConfigErrorf("gen3 source %q has no mds_url", name)
		}
		if !known[Gen3AdapterName] {
			return nil, domain.ConfigErrorf("unknown adapter %q", Gen3AdapterName)
		}
		src := SourceConfig{
			Name:           name,
			CommonsName:    gc.CommonsName,
			AdapterName:    Gen3AdapterName,
			Endpoint:       gc.MDSURL,
			CommonsURL:     gc.CommonsURL,
			FieldMap:       columnsToFieldMap(gc.ColumnsToFields),
			StudyDataField: gc.StudyDataField,
			DataDictField:  gc.DataDictField,
			SelectField:    gc.SelectField,
			Config:         gc.Config,
		}
		// Without an explicit column mapping the raw fields pass
		// through untouched.
		if len(src.FieldMap) == 0 {
			src.KeepOriginalFields = true
		}
		applySourceDefaults(&src)
		pipeline.Sources = append(pipeline.Sources, src)
	}

	for name, ac := range file.AdapterCommons {
		if ac.MDSURL == "" {
			return nil, domain.ConfigErrorf("source %q has no mds_url", name)
		}
		if ac.Adapter == "" {
			return nil, domain.ConfigErrorf("source %q has no adapter", name)
		}
		if !known[ac.Adapter] {
			return nil, domain.ConfigErrorf("unknown adapter %q", ac.Adapter)
		}
		src := SourceConfig{
			Name:               name,
			CommonsName:        ac.CommonsName,
			AdapterName:        ac.Adapter,
			Endpoint:           ac.MDSURL,
			CommonsURL:         ac.CommonsURL,
			FieldMap:           ac.FieldMappings,
			PerItemValues:      ac.PerItemValues,
			KeepOriginalFields: ac.KeepOriginalFields,
			GlobalFilters:      ac.GlobalFieldFilters,
			Filters:            ac.Filters,
			Config:             ac.Config,
		}
		applySourceDefaults(&src)
		pipeline.Sources = append(pipeline.Sources, src)
	}

	if len(pipeline.Sources) == 0 {
		return nil, domain.ConfigErrorf("pipeline config declares no sources")
	}
	sort.Slice(pipeline.Sources, func(i, j int) bool {
		return pipeline.Sources[i].Name < pipeline.Sources[j].Name
	})
	return pipeline, nil
}

func applySourceDefaults(src *SourceConfig) {
	if src.CommonsName == "" {
		src.CommonsName = src.Name
	}
	if src.StudyDataField == "" {
		src.StudyDataField = "gen3_discovery"
	}
}

// columnsToFieldMap converts a gen3 {target: source} column mapping
// into field-map rules, each source column addressed as a path rule.
func columnsToFieldMap(columns map[string]string) map[string]any {
	if len(columns) == 0 {
		return nil
	}
	rules := make(map[string]any, len(columns))
	for target, source := range columns {
		rules[target] = transform.PathPrefix + source
	}
	return rules
}
