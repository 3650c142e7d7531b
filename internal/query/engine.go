package query

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/index"
)

const (
	// MaxLimit caps page sizes on every list operation.
	MaxLimit = 2000

	// DefaultLimit applies when the caller does not ask for a page size.
	DefaultLimit = 20
)

// Boolean operators accepted by Search.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// Engine answers read queries against the live indexes. Results are
// ordered by guid, which keeps paging deterministic across requests
// within one rebuild cycle.
type Engine struct {
	indexes *index.Manager
}

// NewEngine creates a query engine over the given index manager.
func NewEngine(indexes *index.Manager) *Engine {
	return &Engine{indexes: indexes}
}

// Pagination describes one page of a list response.
type Pagination struct {
	Hits     int `json:"hits"`
	Offset   int `json:"offset"`
	PageSize int `json:"pageSize"`
	Pages    int `json:"pages"`
}

// ListResult is a page of records plus its pagination envelope.
type ListResult struct {
	Results    any        `json:"results"`
	Pagination Pagination `json:"pagination"`
}

// Hit is one matched record with its guid.
type Hit struct {
	GUID   string
	Record map[string]any
}

// GetAll returns one page of all records ordered by guid. Fields named
// in countsFields have their value replaced by its length (0 for null,
// unchanged for scalars). With flatten the page is a flat list of
// {guid: record} entries; without it records are grouped by their
// source name.
func (e *Engine) GetAll(ctx context.Context, limit, offset int, countsFields []string, flatten bool) (*ListResult, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), limit, offset, false)
	req.SortBy([]string{"_id"})
	req.Fields = []string{index.SourceField}

	res, err := e.indexes.Records().SearchInContext(ctx, req)
	if err != nil {
		return nil, domain.QueryErrorf("list records: %v", err)
	}
	hits, err := decodeHits(res)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		applyCounts(h.Record, countsFields)
	}

	total := int(res.Total)
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	result := &ListResult{
		Pagination: Pagination{Hits: total, Offset: offset, PageSize: limit, Pages: pages},
	}
	if flatten {
		flat := make([]map[string]any, 0, len(hits))
		for _, h := range hits {
			flat = append(flat, map[string]any{h.GUID: h.Record})
		}
		result.Results = flat
		return result, nil
	}

	grouped := make(map[string][]map[string]any)
	for _, h := range hits {
		name := commonsNameOf(h.Record)
		grouped[name] = append(grouped[name], map[string]any{h.GUID: h.Record})
	}
	result.Results = grouped
	return result, nil
}

// GetByGUID returns one record, or domain.ErrNotFound.
func (e *Engine) GetByGUID(guid string) (map[string]any, error) {
	source, err := index.GetSource(e.indexes.Records(), guid)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(source)
}

// Commons lists the names of all sources present in the live cycle.
func (e *Engine) Commons(ctx context.Context) ([]string, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), MaxLimit, 0, false)
	res, err := e.indexes.Info().SearchInContext(ctx, req)
	if err != nil {
		return nil, domain.QueryErrorf("list sources: %v", err)
	}

	names := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if isReservedInfoDoc(hit.ID) {
			continue
		}
		names = append(names, hit.ID)
	}
	sort.Strings(names)
	return names, nil
}

// GetCommons returns every record belonging to one source, ordered by
// guid, via an exact match on the source-name keyword field.
func (e *Engine) GetCommons(ctx context.Context, name string) ([]Hit, error) {
	tq := bleve.NewTermQuery(name)
	tq.SetField(domain.PathCommonsName + index.KeywordSuffix)

	hits, err := e.collect(ctx, tq)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Info returns a raw document from the info index by name
// (a source name or one of the well-known global ids).
func (e *Engine) Info(name string) (json.RawMessage, error) {
	source, err := index.GetSource(e.indexes.Info(), name)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(source), nil
}

// Search matches term against the named fields. Each field matches
// either fuzzily through the n-gram analyzer or exactly through its
// keyword subfield; op controls whether all fields must match or any.
func (e *Engine) Search(ctx context.Context, fields []string, term string, op string, limit, offset int) (*ListResult, error) {
	if len(fields) == 0 {
		return nil, domain.QueryErrorf("search requires at least one field")
	}
	if term == "" {
		return nil, domain.QueryErrorf("search requires a term")
	}
	if op != OpAnd && op != OpOr {
		return nil, domain.QueryErrorf("unknown operator %q", op)
	}
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	clauses := make([]query.Query, 0, len(fields))
	for _, field := range fields {
		clauses = append(clauses, fieldQuery(qualifyField(field), term))
	}
	var q query.Query
	if op == OpAnd {
		q = bleve.NewConjunctionQuery(clauses...)
	} else {
		q = bleve.NewDisjunctionQuery(clauses...)
	}

	req := bleve.NewSearchRequestOptions(q, limit, offset, false)
	req.SortBy([]string{"_id"})
	req.Fields = []string{index.SourceField}

	res, err := e.indexes.Records().SearchInContext(ctx, req)
	if err != nil {
		return nil, domain.QueryErrorf("search: %v", err)
	}
	hits, err := decodeHits(res)
	if err != nil {
		return nil, err
	}

	flat := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		flat = append(flat, map[string]any{h.GUID: h.Record})
	}
	total := int(res.Total)
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return &ListResult{
		Results:    flat,
		Pagination: Pagination{Hits: total, Offset: offset, PageSize: limit, Pages: pages},
	}, nil
}

// fieldQuery matches one field either through the n-gram index or
// exactly through the keyword subfield.
func fieldQuery(field, term string) query.Query {
	mq := bleve.NewMatchQuery(term)
	mq.SetField(field)
	mq.Analyzer = index.NgramAnalyzer

	tq := bleve.NewTermQuery(term)
	tq.SetField(field + index.KeywordSuffix)

	return bleve.NewDisjunctionQuery(mq, tq)
}

// qualifyField anchors bare field names under the study_data group.
func qualifyField(field string) string {
	if strings.HasPrefix(field, domain.StudyDataKey+".") ||
		strings.HasPrefix(field, domain.DataDictKey+".") {
		return field
	}
	return domain.StudyDataKey + "." + field
}

// collect fetches every match of a query ordered by guid, paging
// internally in MaxLimit batches.
func (e *Engine) collect(ctx context.Context, q query.Query) ([]Hit, error) {
	var all []Hit
	for offset := 0; ; offset += MaxLimit {
		req := bleve.NewSearchRequestOptions(q, MaxLimit, offset, false)
		req.SortBy([]string{"_id"})
		req.Fields = []string{index.SourceField}

		res, err := e.indexes.Records().SearchInContext(ctx, req)
		if err != nil {
			return nil, domain.QueryErrorf("collect: %v", err)
		}
		hits, err := decodeHits(res)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
		if offset+len(res.Hits) >= int(res.Total) || len(res.Hits) == 0 {
			return all, nil
		}
	}
}

// scanAll walks every record in the live cycle.
func (e *Engine) scanAll(ctx context.Context) ([]Hit, error) {
	return e.collect(ctx, bleve.NewMatchAllQuery())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func decodeHits(res *bleve.SearchResult) ([]Hit, error) {
	hits := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		source, ok := hit.Fields[index.SourceField].(string)
		if !ok {
			return nil, domain.QueryErrorf("document %s has no stored source", hit.ID)
		}
		record, err := decodeEnvelope([]byte(source))
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{GUID: hit.ID, Record: record})
	}
	return hits, nil
}

func decodeEnvelope(source []byte) (map[string]any, error) {
	var envelope map[string]any
	if err := json.Unmarshal(source, &envelope); err != nil {
		return nil, domain.QueryErrorf("decode stored record: %v", err)
	}
	return envelope, nil
}

// normalizedOf unwraps the discovery payload of a stored envelope.
func normalizedOf(envelope map[string]any) map[string]any {
	rec, _ := envelope[domain.FieldDiscovery].(map[string]any)
	return rec
}

func commonsNameOf(envelope map[string]any) string {
	group := domain.StudyData(normalizedOf(envelope))
	if group == nil {
		return ""
	}
	name, _ := group[domain.FieldCommonsName].(string)
	return name
}

// applyCounts replaces the named study_data fields with their length:
// lists and objects collapse to their element count, null to zero,
// scalars stay as they are.
func applyCounts(envelope map[string]any, countsFields []string) {
	if len(countsFields) == 0 {
		return
	}
	group := domain.StudyData(normalizedOf(envelope))
	if group == nil {
		return
	}
	for _, field := range countsFields {
		value, ok := group[field]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case nil:
			group[field] = 0
		case []any:
			group[field] = len(v)
		case map[string]any:
			group[field] = len(v)
		}
	}
}

func isReservedInfoDoc(id string) bool {
	if id == domain.InfoDocAggregations || id == domain.InfoDocSchema {
		return true
	}
	return strings.HasPrefix(id, domain.DRSCachePrefix)
}
