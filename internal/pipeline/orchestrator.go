package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/commonsmeta/aggmds/internal/adapter"
	"github.com/commonsmeta/aggmds/internal/config"
	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/index"
	"github.com/commonsmeta/aggmds/internal/metrics"
	"github.com/commonsmeta/aggmds/internal/query"
	"github.com/commonsmeta/aggmds/internal/transform"
)

// Rebuild outcomes reported through metrics.
const (
	outcomeCommitted = "committed"
	outcomeSkipped   = "skipped"
	outcomeAborted   = "aborted"
)

// SourceOutcome summarizes one source's contribution to a rebuild.
type SourceOutcome struct {
	Source string
	// Records counts the records written into temp for this source.
	Records int
	// Skipped counts records dropped by normalization failures.
	Skipped int
	// Preserved reports that the pull failed and the prior cycle's
	// records for this source were carried over.
	Preserved bool
	// Tags is the deduplicated tag set across this source's records.
	Tags []domain.Tag
	Err  error
}

// Result is the outcome of one rebuild cycle.
type Result struct {
	Committed bool
	Total     int
	Sources   []SourceOutcome
}

// Orchestrator runs the rebuild state machine: stage every source's
// records into temp variants, populate the global documents, then
// publish the cycle with a single swap. Any failure before the swap
// leaves the live indexes untouched.
type Orchestrator struct {
	pipeline    *config.Pipeline
	registry    *adapter.Registry
	indexes     *index.Manager
	client      *adapter.Client
	maxParallel int
	logger      *slog.Logger
}

// New creates an orchestrator. maxParallel bounds how many sources are
// pulled concurrently.
func New(p *config.Pipeline, registry *adapter.Registry, indexes *index.Manager, client *adapter.Client, maxParallel int) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Orchestrator{
		pipeline:    p,
		registry:    registry,
		indexes:     indexes,
		client:      client,
		maxParallel: maxParallel,
		logger:      slog.Default(),
	}
}

// preparedSource is a source whose adapter and field map resolved
// successfully. Resolution happens before temp creation so that a
// configuration error never costs a staged cycle.
type preparedSource struct {
	cfg     config.SourceConfig
	adapter adapter.Adapter
	engine  *transform.Engine
}

type writeRequest struct {
	id  string
	doc map[string]any
}

// Rebuild runs one full cycle. A nil error with Committed=false means
// the cycle was intentionally skipped because no source yielded
// records.
func (o *Orchestrator) Rebuild(ctx context.Context) (*Result, error) {
	start := time.Now()
	result, err := o.rebuild(ctx)
	metrics.RebuildDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.RebuildsTotal.WithLabelValues(outcomeAborted).Inc()
	case result.Committed:
		metrics.RebuildsTotal.WithLabelValues(outcomeCommitted).Inc()
	default:
		metrics.RebuildsTotal.WithLabelValues(outcomeSkipped).Inc()
	}
	return result, err
}

func (o *Orchestrator) rebuild(ctx context.Context) (*Result, error) {
	prepared, err := o.prepareSources()
	if err != nil {
		return nil, err
	}

	if err := o.indexes.BeginRebuild(); err != nil {
		return nil, err
	}
	defer func() { _ = o.indexes.EndRebuild() }()

	// PREPARE_TEMP
	if err := o.indexes.CreateTemp(o.pipeline.Schema); err != nil {
		return nil, err
	}

	// PULL_SOURCES
	outcomes, err := o.pullSources(ctx, prepared)
	if err != nil {
		o.abort()
		return nil, err
	}
	if ctx.Err() != nil {
		o.abort()
		return nil, fmt.Errorf("rebuild cancelled: %w", ctx.Err())
	}

	result := &Result{Sources: outcomes}
	for _, oc := range outcomes {
		result.Total += oc.Records
	}

	// Short-circuit: an all-empty cycle leaves live untouched.
	if result.Total == 0 {
		o.logger.Info("No records pulled from any source, skipping commit")
		if err := o.indexes.DropTemp(); err != nil {
			return nil, err
		}
		return result, nil
	}

	// POPULATE_GLOBALS
	if err := o.populateGlobals(ctx, outcomes); err != nil {
		o.abort()
		return nil, err
	}

	// COMMIT
	if err := o.indexes.Swap(); err != nil {
		return nil, err
	}
	result.Committed = true
	o.logger.Info("Rebuild committed", "total_records", result.Total, "sources", len(outcomes))
	return result, nil
}

func (o *Orchestrator) abort() {
	if err := o.indexes.DropTemp(); err != nil {
		o.logger.Error("Failed to drop temp indexes after abort", "error", err)
	}
}

// prepareSources resolves adapters and parses field maps for every
// configured source. All errors here are configuration errors.
func (o *Orchestrator) prepareSources() ([]preparedSource, error) {
	prepared := make([]preparedSource, 0, len(o.pipeline.Sources))
	for _, src := range o.pipeline.Sources {
		a, err := o.registry.Get(src.AdapterName)
		if err != nil {
			return nil, err
		}
		fieldMap, err := transform.ParseFieldMap(src.FieldMap)
		if err != nil {
			return nil, domain.ConfigErrorf("source %q: %v", src.Name, err)
		}
		engine, err := transform.NewEngine(transform.Options{
			FieldMap:           fieldMap,
			Schema:             o.pipeline.Schema,
			FilterConfig:       transform.FilterConfig{SourceURL: src.CommonsURL},
			GlobalFilters:      src.GlobalFilters,
			KeepOriginalFields: src.KeepOriginalFields,
			PerItemValues:      src.PerItemValues,
		})
		if err != nil {
			return nil, domain.ConfigErrorf("source %q: %v", src.Name, err)
		}
		prepared = append(prepared, preparedSource{cfg: src, adapter: a, engine: engine})
	}
	return prepared, nil
}

// pullSources fans out over the sources with bounded parallelism. All
// index writes funnel through a single writer goroutine, so per-source
// write order matches pull order.
func (o *Orchestrator) pullSources(ctx context.Context, sources []preparedSource) ([]SourceOutcome, error) {
	writes := make(chan writeRequest, 64)
	writerErr := make(chan error, 1)

	go func() {
		writerErr <- o.runWriter(writes)
	}()

	sem := make(chan struct{}, o.maxParallel)
	outcomes := make([]SourceOutcome, len(sources))
	var wg sync.WaitGroup
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = SourceOutcome{Source: sources[i].cfg.Name, Err: ctx.Err()}
				return
			}
			outcomes[i] = o.pullSource(ctx, sources[i], writes)
		}(i)
	}
	wg.Wait()
	close(writes)

	if err := <-writerErr; err != nil {
		return nil, err
	}
	return outcomes, nil
}

// runWriter drains the write channel into the temp records index in
// bounded batches. A write failure is fatal for the rebuild; remaining
// requests are drained so the producers never block.
func (o *Orchestrator) runWriter(writes <-chan writeRequest) error {
	writer, err := o.indexes.NewWriter(index.IndexRecords)
	if err != nil {
		for range writes {
		}
		return err
	}
	for req := range writes {
		if err == nil {
			err = writer.Write(req.id, req.doc)
		}
	}
	if err != nil {
		return err
	}
	return writer.Flush()
}

// pullSource fetches, normalizes and stages one source. A failed pull
// carries the prior cycle's records over instead of dropping the
// source from the catalog.
func (o *Orchestrator) pullSource(ctx context.Context, src preparedSource, writes chan<- writeRequest) SourceOutcome {
	outcome := SourceOutcome{Source: src.cfg.Name}
	logger := o.logger.With("source", src.cfg.Name, "adapter", src.cfg.AdapterName)

	records, err := src.adapter.Pull(ctx, adapter.Source{
		Name:       src.cfg.Name,
		Endpoint:   src.cfg.Endpoint,
		CommonsURL: src.cfg.CommonsURL,
		Filters:    src.cfg.Filters,
		Config:     src.cfg.Config,
	})
	if err != nil {
		metrics.AdapterFailures.WithLabelValues(src.cfg.Name).Inc()
		logger.Error("Source pull failed, keeping previous cycle's records", "error", err)
		outcome.Err = err
		outcome.Preserved = true
		outcome.Records = o.preserveSource(ctx, src.cfg.CommonsName, writes, logger)
		return outcome
	}

	tagSet := domain.NewTagSet()
	for _, rec := range records {
		normalized, err := o.normalizeRecord(src, rec)
		if err != nil {
			if errors.Is(err, errRecordFiltered) {
				continue
			}
			outcome.Skipped++
			metrics.RecordsSkipped.WithLabelValues(src.cfg.Name).Inc()
			logger.Warn("Record skipped", "guid", rec.ID, "error", err)
			continue
		}
		doc, err := index.RecordDocument(normalized)
		if err != nil {
			outcome.Skipped++
			metrics.RecordsSkipped.WithLabelValues(src.cfg.Name).Inc()
			logger.Warn("Record skipped", "guid", rec.ID, "error", err)
			continue
		}
		writes <- writeRequest{id: rec.ID, doc: doc}
		tagSet.Add(domain.ExtractTags(normalized)...)
		outcome.Records++
		metrics.RecordsIndexed.WithLabelValues(src.cfg.Name).Inc()
	}
	outcome.Tags = tagSet.Sorted()

	logger.Info("Source pulled", "records", outcome.Records, "skipped", outcome.Skipped)
	return outcome
}

// errRecordFiltered marks a record excluded by select_field. Not an
// error condition, just not part of this source's selection.
var errRecordFiltered = errors.New("record filtered out")

// normalizeRecord turns one raw record into its normalized grouped
// form, stamped with the source's display name.
func (o *Orchestrator) normalizeRecord(src preparedSource, rec adapter.Record) (domain.NormalizedRecord, error) {
	raw := rec.Data
	var dataDict map[string]any

	if src.cfg.AdapterName == config.Gen3AdapterName {
		group, ok := raw[src.cfg.StudyDataField].(map[string]any)
		if !ok {
			return nil, domain.NormalizationErrorf("record has no %q group", src.cfg.StudyDataField)
		}
		if sel := src.cfg.SelectField; sel != nil {
			if fmt.Sprint(group[sel.FieldName]) != sel.FieldValue {
				return nil, errRecordFiltered
			}
		}
		raw = group
	}

	dictField := src.cfg.DataDictField
	if dictField == "" {
		dictField = "data_dictionary"
	}
	if dd, ok := rec.Data[dictField].(map[string]any); ok {
		dataDict = dd
	}

	fields, err := src.engine.Normalize(rec.ID, raw)
	if err != nil {
		return nil, err
	}
	fields[domain.FieldCommonsName] = src.cfg.CommonsName

	normalized := domain.NormalizedRecord{domain.StudyDataKey: fields}
	if dataDict != nil {
		normalized[domain.DataDictKey] = dataDict
	}
	return normalized, nil
}

// preserveSource copies the prior live cycle's records for one source
// into the temp index. Returns the number of records carried over.
func (o *Orchestrator) preserveSource(ctx context.Context, commonsName string, writes chan<- writeRequest, logger *slog.Logger) int {
	tq := bleve.NewTermQuery(commonsName)
	tq.SetField(domain.PathCommonsName + index.KeywordSuffix)

	preserved := 0
	for offset := 0; ; offset += query.MaxLimit {
		req := bleve.NewSearchRequestOptions(tq, query.MaxLimit, offset, false)
		req.SortBy([]string{"_id"})
		req.Fields = []string{index.SourceField}

		res, err := o.indexes.Records().SearchInContext(ctx, req)
		if err != nil {
			logger.Error("Failed to read previous cycle's records", "error", err)
			return preserved
		}
		for _, hit := range res.Hits {
			source, ok := hit.Fields[index.SourceField].(string)
			if !ok {
				continue
			}
			// Re-index from the stored envelope so the carried records
			// keep answering field queries, not just id lookups.
			doc, err := index.DocumentFromSource([]byte(source))
			if err != nil {
				logger.Warn("Dropping unreadable preserved record", "guid", hit.ID, "error", err)
				continue
			}
			writes <- writeRequest{id: hit.ID, doc: doc}
			preserved++
		}
		if offset+len(res.Hits) >= int(res.Total) || len(res.Hits) == 0 {
			break
		}
	}
	if preserved > 0 {
		logger.Info("Preserved previous cycle's records", "records", preserved)
	}
	return preserved
}

// populateGlobals writes the per-source info documents, the global
// documents and the config document into the temp variants.
func (o *Orchestrator) populateGlobals(ctx context.Context, outcomes []SourceOutcome) error {
	var timestamp string
	if o.pipeline.Settings.TimestampEntry {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	byName := make(map[string]config.SourceConfig, len(o.pipeline.Sources))
	for _, src := range o.pipeline.Sources {
		byName[src.Name] = src
	}

	for _, oc := range outcomes {
		src := byName[oc.Source]
		if oc.Preserved {
			if err := o.carryInfoDoc(src.CommonsName, oc.Records); err != nil {
				return err
			}
			continue
		}
		info := domain.SourceInfo{
			CommonsURL:  src.CommonsURL,
			RecordCount: oc.Records,
			Tags:        oc.Tags,
			UpdatedAt:   timestamp,
		}
		doc, err := index.StoredDocument(info)
		if err != nil {
			return err
		}
		if err := o.indexes.Write(index.IndexInfo, src.CommonsName, doc); err != nil {
			return err
		}
	}

	if o.pipeline.Aggregations != nil {
		doc, err := index.StoredDocument(o.pipeline.Aggregations)
		if err != nil {
			return err
		}
		if err := o.indexes.Write(index.IndexInfo, domain.InfoDocAggregations, doc); err != nil {
			return err
		}
	}

	schemaDoc, err := index.StoredDocument(o.pipeline.Schema)
	if err != nil {
		return err
	}
	if err := o.indexes.Write(index.IndexInfo, domain.InfoDocSchema, schemaDoc); err != nil {
		return err
	}

	if o.pipeline.Settings.CacheDRS {
		o.cacheDRSServers(ctx)
	}

	configDoc, err := index.StoredDocument(domain.ConfigDoc{ArrayFields: o.pipeline.Schema.ArrayFields()})
	if err != nil {
		return err
	}
	return o.indexes.Write(index.IndexConfig, domain.ConfigDocID, configDoc)
}

// carryInfoDoc carries a preserved source's info document from the live
// cycle into temp, with the record count set to what was actually
// carried over. A missing live document is not an error; the source
// simply has no info entry this cycle.
func (o *Orchestrator) carryInfoDoc(commonsName string, records int) error {
	source, err := index.GetSource(o.indexes.Info(), commonsName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	var info domain.SourceInfo
	if err := json.Unmarshal(source, &info); err != nil {
		return domain.IndexErrorf("decode info doc %s: %v", commonsName, err)
	}
	info.RecordCount = records
	doc, err := index.StoredDocument(info)
	if err != nil {
		return err
	}
	return o.indexes.Write(index.IndexInfo, commonsName, doc)
}

// DRS distribution entry as served by an indexd server.
type drsEntry struct {
	Host string `json:"host"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// cacheDRSServers resolves the DRS distribution document and stores one
// cache entry per server. Resolution failures are logged and skipped;
// a stale or absent DRS cache never fails a rebuild.
func (o *Orchestrator) cacheDRSServers(ctx context.Context) {
	url := o.pipeline.Settings.DRSIndexdServer + "/index/_dist"
	var entries []drsEntry
	if err := o.client.GetJSON(ctx, url, &entries); err != nil {
		o.logger.Warn("DRS distribution lookup failed, skipping cache", "url", url, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.Host == "" {
			continue
		}
		doc, err := index.StoredDocument(entry)
		if err != nil {
			continue
		}
		if err := o.indexes.Write(index.IndexInfo, domain.DRSCachePrefix+entry.Host, doc); err != nil {
			o.logger.Warn("Failed to cache DRS entry", "host", entry.Host, "error", err)
		}
	}
	o.logger.Info("Cached DRS servers", "count", len(entries))
}
