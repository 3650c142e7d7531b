package domain

import "sort"

// GUIDType is the discovery-record marker stamped on every envelope
// emitted by the pipeline.
const GUIDType = "discovery_metadata"

// Canonical group names inside a normalized record. Adapters may emit
// configurable aliases for these; the pipeline renames them on ingest.
const (
	StudyDataKey = "study_data"
	DataDictKey  = "data_dict"
)

// Envelope keys.
const (
	FieldGUIDType  = "_guid_type"
	FieldDiscovery = "gen3_discovery"
)

// Well-known field names inside the study_data group.
const (
	FieldCommonsName = "commons_name"
	FieldTags        = "tags"
	TagCategoryKey   = "category"
	TagNameKey       = "name"
)

// Dotted field paths used by index mappings and queries.
const (
	PathCommonsName = StudyDataKey + "." + FieldCommonsName
	PathTagCategory = StudyDataKey + "." + FieldTags + "." + TagCategoryKey
	PathTagName     = StudyDataKey + "." + FieldTags + "." + TagNameKey
)

// RawRecord is an untyped record as returned by a source catalog.
// The core only inspects it through JSONPath expressions.
type RawRecord = map[string]any

// NormalizedRecord is a record whose keys and types conform to the
// global schema, grouped under study_data and optionally data_dict.
type NormalizedRecord = map[string]any

// Envelope wraps a normalized record in the shape written to the index:
//
//	{ _guid_type: "discovery_metadata", gen3_discovery: <record> }
func Envelope(rec NormalizedRecord) map[string]any {
	return map[string]any{
		FieldGUIDType:  GUIDType,
		FieldDiscovery: rec,
	}
}

// StudyData returns the study_data group of a normalized record, or nil
// if the group is absent or not an object.
func StudyData(rec NormalizedRecord) map[string]any {
	group, _ := rec[StudyDataKey].(map[string]any)
	return group
}

// Tag is a {category, name} pair extracted from study_data.tags.
type Tag struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

// ExtractTags returns the tags of a normalized record where both
// category and name are non-empty strings.
func ExtractTags(rec NormalizedRecord) []Tag {
	group := StudyData(rec)
	if group == nil {
		return nil
	}
	raw, ok := group[FieldTags].([]any)
	if !ok {
		return nil
	}
	var tags []Tag
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		category, _ := entry[TagCategoryKey].(string)
		name, _ := entry[TagNameKey].(string)
		if category == "" || name == "" {
			continue
		}
		tags = append(tags, Tag{Category: category, Name: name})
	}
	return tags
}

// TagSet accumulates deduplicated tags for one source.
type TagSet struct {
	seen map[Tag]struct{}
}

// NewTagSet creates an empty tag set.
func NewTagSet() *TagSet {
	return &TagSet{seen: make(map[Tag]struct{})}
}

// Add inserts tags into the set, ignoring duplicates.
func (s *TagSet) Add(tags ...Tag) {
	for _, t := range tags {
		s.seen[t] = struct{}{}
	}
}

// Len returns the number of distinct tags in the set.
func (s *TagSet) Len() int {
	return len(s.seen)
}

// Sorted returns the distinct tags ordered by category, then name.
func (s *TagSet) Sorted() []Tag {
	tags := make([]Tag, 0, len(s.seen))
	for t := range s.seen {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Category != tags[j].Category {
			return tags[i].Category < tags[j].Category
		}
		return tags[i].Name < tags[j].Name
	})
	return tags
}

// SourceInfo is the per-source metadata document stored in the info index.
type SourceInfo struct {
	CommonsURL  string `json:"commons_url"`
	RecordCount int    `json:"record_count"`
	Tags        []Tag  `json:"tags,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Well-known document ids inside the info index.
const (
	InfoDocAggregations = "aggregations"
	InfoDocSchema       = "schema"
	DRSCachePrefix      = "drs_cache_"
)

// ConfigDoc holds index-time hints derived from the schema, notably the
// field names whose schema type is array. The query engine needs these
// to drive element-wise aggregations.
type ConfigDoc struct {
	ArrayFields []string `json:"array_types"`
}

// ConfigDocID is the id of the single document in the config index.
const ConfigDocID = "config"
