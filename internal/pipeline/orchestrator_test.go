package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/commonsmeta/aggmds/internal/adapter"
	"github.com/commonsmeta/aggmds/internal/config"
	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/index"
	"github.com/commonsmeta/aggmds/internal/query"
)

func testSchema() domain.Schema {
	return domain.Schema{
		"full_name": {Type: domain.TypeString},
		"tags":      {Type: domain.TypeArray, Items: &domain.FieldDefinition{Type: domain.TypeObject}},
	}.Normalize()
}

func testPipeline(mdsURL string) *config.Pipeline {
	return &config.Pipeline{
		Schema:       testSchema(),
		Aggregations: map[string]any{"totals": map[string]any{"field": "full_name", "function": "count"}},
		Sources: []config.SourceConfig{{
			Name:               "HEAL",
			CommonsName:        "HEAL",
			AdapterName:        config.Gen3AdapterName,
			Endpoint:           mdsURL,
			CommonsURL:         "https://heal.example.org",
			StudyDataField:     "gen3_discovery",
			KeepOriginalFields: true,
		}},
	}
}

// gen3Page serves one short page of discovery records, which ends the
// adapter's paging loop immediately.
func gen3Page(records map[string]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(records)
	}
}

func gen3Record(name string, tags ...domain.Tag) map[string]any {
	tagList := make([]any, 0, len(tags))
	for _, tag := range tags {
		tagList = append(tagList, map[string]any{"category": tag.Category, "name": tag.Name})
	}
	return map[string]any{
		"gen3_discovery": map[string]any{
			"full_name": name,
			"tags":      tagList,
		},
	}
}

func newOrchestrator(t *testing.T, p *config.Pipeline, mgr *index.Manager) *Orchestrator {
	t.Helper()
	client := adapter.NewClient(adapter.RetryPolicy{MaxAttempts: 2, Wait: time.Millisecond}, time.Second)
	return New(p, adapter.NewRegistry(client), mgr, client, 4)
}

func newManager(t *testing.T) *index.Manager {
	t.Helper()
	mgr, err := index.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestRebuildCommits(t *testing.T) {
	server := httptest.NewServer(gen3Page(map[string]map[string]any{
		"guid-1": gen3Record("Heart Study", domain.Tag{Category: "Data Type", Name: "Array"}),
		"guid-2": gen3Record("Lung Study", domain.Tag{Category: "Data Type", Name: "Array"},
			domain.Tag{Category: "Program", Name: "HEAL"}),
	}))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)

	result, err := o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if !result.Committed || result.Total != 2 {
		t.Fatalf("expected committed rebuild with 2 records, got %+v", result)
	}

	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 live records, got %d", count)
	}

	// The record envelope carries the source name.
	source, err := index.GetSource(mgr.Records(), "guid-1")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(source, &envelope); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	group := envelope[domain.FieldDiscovery].(map[string]any)[domain.StudyDataKey].(map[string]any)
	if group[domain.FieldCommonsName] != "HEAL" {
		t.Errorf("expected commons_name stamp, got %v", group[domain.FieldCommonsName])
	}

	// Info doc: tag closure over the source's records.
	infoSource, err := index.GetSource(mgr.Info(), "HEAL")
	if err != nil {
		t.Fatalf("GetSource info failed: %v", err)
	}
	var info domain.SourceInfo
	if err := json.Unmarshal(infoSource, &info); err != nil {
		t.Fatalf("decode info failed: %v", err)
	}
	if info.RecordCount != 2 {
		t.Errorf("expected record count 2, got %d", info.RecordCount)
	}
	wantTags := []domain.Tag{
		{Category: "Data Type", Name: "Array"},
		{Category: "Program", Name: "HEAL"},
	}
	if len(info.Tags) != len(wantTags) {
		t.Fatalf("expected tags %v, got %v", wantTags, info.Tags)
	}
	for i := range wantTags {
		if info.Tags[i] != wantTags[i] {
			t.Errorf("expected tag %v at %d, got %v", wantTags[i], i, info.Tags[i])
		}
	}

	// Config doc lists the array-typed fields.
	configSource, err := index.GetSource(mgr.Config(), domain.ConfigDocID)
	if err != nil {
		t.Fatalf("GetSource config failed: %v", err)
	}
	var cfgDoc domain.ConfigDoc
	if err := json.Unmarshal(configSource, &cfgDoc); err != nil {
		t.Fatalf("decode config failed: %v", err)
	}
	if len(cfgDoc.ArrayFields) != 1 || cfgDoc.ArrayFields[0] != "tags" {
		t.Errorf("expected array fields [tags], got %v", cfgDoc.ArrayFields)
	}

	// Global docs are present.
	if _, err := index.GetSource(mgr.Info(), domain.InfoDocAggregations); err != nil {
		t.Errorf("expected aggregations doc: %v", err)
	}
	if _, err := index.GetSource(mgr.Info(), domain.InfoDocSchema); err != nil {
		t.Errorf("expected schema doc: %v", err)
	}
}

func TestRebuildRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		gen3Page(map[string]map[string]any{"guid-1": gen3Record("Heart Study")})(w, r)
	}))
	defer server.Close()

	mgr := newManager(t)
	client := adapter.NewClient(adapter.RetryPolicy{MaxAttempts: 5, Wait: time.Millisecond}, time.Second)
	o := New(testPipeline(server.URL), adapter.NewRegistry(client), mgr, client, 4)

	result, err := o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if !result.Committed || result.Total != 1 {
		t.Fatalf("expected committed rebuild with 1 record, got %+v", result)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts (2 failures + success), got %d", got)
	}
}

func TestRebuildSkipsOnEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)

	result, err := o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("expected no error for empty cycle, got %v", err)
	}
	if result.Committed {
		t.Error("expected skipped commit on zero records")
	}
	if result.Sources[0].Err == nil {
		t.Error("expected source outcome to record the terminal error")
	}

	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected live unchanged (empty), got %d docs", count)
	}
}

func TestRebuildPreservesSourceOnFailure(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		gen3Page(map[string]map[string]any{
			"guid-1": gen3Record("Heart Study", domain.Tag{Category: "Data Type", Name: "Array"}),
		})(w, r)
	}))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)

	if _, err := o.Rebuild(context.Background()); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}

	failing.Store(true)
	result, err := o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	if !result.Committed {
		t.Fatal("expected preserved records to commit")
	}
	if !result.Sources[0].Preserved || result.Sources[0].Records != 1 {
		t.Fatalf("expected 1 preserved record, got %+v", result.Sources[0])
	}

	if _, err := index.GetSource(mgr.Records(), "guid-1"); err != nil {
		t.Errorf("expected prior record to survive the failed pull: %v", err)
	}
	// The info doc is carried over as well.
	infoSource, err := index.GetSource(mgr.Info(), "HEAL")
	if err != nil {
		t.Fatalf("expected preserved info doc: %v", err)
	}
	var info domain.SourceInfo
	if err := json.Unmarshal(infoSource, &info); err != nil {
		t.Fatalf("decode info failed: %v", err)
	}
	if info.RecordCount != 1 {
		t.Errorf("expected preserved record count 1, got %d", info.RecordCount)
	}
	if len(info.Tags) != 1 || info.Tags[0].Name != "Array" {
		t.Errorf("expected carried info doc to keep its tags, got %+v", info.Tags)
	}

	// Preserved records stay reachable through field queries, not just
	// by id.
	engine := query.NewEngine(mgr)
	hits, err := engine.GetCommons(context.Background(), "HEAL")
	if err != nil {
		t.Fatalf("GetCommons failed: %v", err)
	}
	if len(hits) != 1 || hits[0].GUID != "guid-1" {
		t.Fatalf("expected preserved record in source listing, got %+v", hits)
	}
	search, err := engine.Search(context.Background(), []string{"full_name"}, "heart", query.OpOr, 10, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if search.Pagination.Hits != 1 {
		t.Errorf("expected preserved record to match search, got %d hits", search.Pagination.Hits)
	}

	// A second consecutive failure carries the record again.
	result, err = o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("third rebuild failed: %v", err)
	}
	if !result.Committed || !result.Sources[0].Preserved || result.Sources[0].Records != 1 {
		t.Fatalf("expected record carried through a second failure, got %+v", result.Sources[0])
	}
	hits, err = engine.GetCommons(context.Background(), "HEAL")
	if err != nil || len(hits) != 1 {
		t.Fatalf("expected preserved record after consecutive failures, got %d hits (%v)", len(hits), err)
	}
}

func TestRebuildSwapIsAtomicForReaders(t *testing.T) {
	serveB := atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveB.Load() {
			gen3Page(map[string]map[string]any{"B": gen3Record("New Study")})(w, r)
			return
		}
		gen3Page(map[string]map[string]any{"A": gen3Record("Old Study")})(w, r)
	}))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)

	if _, err := o.Rebuild(context.Background()); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}
	serveB.Store(true)

	// Poll throughout the second rebuild: a reader must always see
	// exactly one of the two populations.
	done := make(chan struct{})
	violations := make(chan string, 16)
	go func() {
		defer close(done)
		for {
			_, errA := index.GetSource(mgr.Records(), "A")
			_, errB := index.GetSource(mgr.Records(), "B")
			hasA := errA == nil
			hasB := errB == nil
			if hasA == hasB {
				select {
				case violations <- fmt.Sprintf("hasA=%v hasB=%v", hasA, hasB):
				default:
				}
				return
			}
			if hasB {
				return // swap observed
			}
		}
	}()

	if _, err := o.Rebuild(context.Background()); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	<-done
	select {
	case v := <-violations:
		t.Fatalf("reader observed inconsistent populations: %s", v)
	default:
	}

	if _, err := index.GetSource(mgr.Records(), "A"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected record A gone after swap, got %v", err)
	}
	if _, err := index.GetSource(mgr.Records(), "B"); err != nil {
		t.Errorf("expected record B live after swap, got %v", err)
	}
}

func TestRebuildSelectFieldFiltersRecords(t *testing.T) {
	server := httptest.NewServer(gen3Page(map[string]map[string]any{
		"open-1": {"gen3_discovery": map[string]any{"full_name": "Open Study", "access": "open"}},
		"ctrl-1": {"gen3_discovery": map[string]any{"full_name": "Controlled Study", "access": "controlled"}},
	}))
	defer server.Close()

	p := testPipeline(server.URL)
	p.Sources[0].SelectField = &config.SelectField{FieldName: "access", FieldValue: "open"}

	mgr := newManager(t)
	o := newOrchestrator(t, p, mgr)

	result, err := o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("expected 1 selected record, got %d", result.Total)
	}
	if result.Sources[0].Skipped != 0 {
		t.Errorf("filtered records must not count as skipped, got %d", result.Sources[0].Skipped)
	}
	if _, err := index.GetSource(mgr.Records(), "ctrl-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected controlled record excluded, got %v", err)
	}
}

func TestRebuildConfigErrorBeforeTemp(t *testing.T) {
	p := testPipeline("https://unused.example.org")
	p.Sources[0].GlobalFilters = []string{"no_such_filter"}

	mgr := newManager(t)
	o := newOrchestrator(t, p, mgr)

	_, err := o.Rebuild(context.Background())
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRebuildCancelledContext(t *testing.T) {
	server := httptest.NewServer(gen3Page(map[string]map[string]any{
		"guid-1": gen3Record("Heart Study"),
	}))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Rebuild(ctx); err == nil {
		t.Fatal("expected error for cancelled rebuild")
	}

	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected live untouched after cancellation, got %d docs", count)
	}
}

func TestRebuildNormalizationSkipsBadRecords(t *testing.T) {
	server := httptest.NewServer(gen3Page(map[string]map[string]any{
		"good-1": gen3Record("Heart Study"),
		"bad-1":  {"not_discovery": map[string]any{"full_name": "Orphan"}},
	}))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)

	result, err := o.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("expected 1 good record, got %d", result.Total)
	}
	if result.Sources[0].Skipped != 1 {
		t.Errorf("expected 1 skipped record, got %d", result.Sources[0].Skipped)
	}
}

func TestRebuildNotReentrant(t *testing.T) {
	mgr := newManager(t)
	if err := mgr.BeginRebuild(); err != nil {
		t.Fatalf("BeginRebuild failed: %v", err)
	}
	defer func() { _ = mgr.EndRebuild() }()

	second, err := index.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer func() { _ = second.Close() }()
	// A second manager over the same base dir would contend on the same
	// lock file; over its own dir it proceeds.
	if err := second.BeginRebuild(); err != nil {
		t.Fatalf("expected independent base dirs not to contend: %v", err)
	}
	_ = second.EndRebuild()
}

// Paging partition sanity over a committed cycle, through the query
// engine the serve command uses.
func TestRebuildThenQuery(t *testing.T) {
	records := make(map[string]map[string]any)
	for i := 0; i < 5; i++ {
		records[fmt.Sprintf("guid-%d", i)] = gen3Record(fmt.Sprintf("Study %d", i))
	}
	server := httptest.NewServer(gen3Page(records))
	defer server.Close()

	mgr := newManager(t)
	o := newOrchestrator(t, testPipeline(server.URL), mgr)
	if _, err := o.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	engine := query.NewEngine(mgr)
	page, err := engine.GetAll(context.Background(), 10, 0, nil, true)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if page.Pagination.Hits != 5 {
		t.Errorf("expected 5 hits, got %d", page.Pagination.Hits)
	}
	names, err := engine.Commons(context.Background())
	if err != nil {
		t.Fatalf("Commons failed: %v", err)
	}
	if len(names) != 1 || names[0] != "HEAL" {
		t.Errorf("expected commons [HEAL], got %v", names)
	}
}
