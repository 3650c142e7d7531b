package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// Logical index names.
const (
	IndexRecords = "records"
	IndexInfo    = "info"
	IndexConfig  = "config"
)

// IndexSuffix is the suffix for index directories.
const IndexSuffix = ".bleve"

// MaxBatchSize is the maximum number of documents per write batch.
const MaxBatchSize = 100

// LockFilename is the rebuild lock file inside the base dir.
const LockFilename = "rebuild.lock"

var logicalIndexes = []string{IndexRecords, IndexInfo, IndexConfig}

// Manager owns the three logical indexes (records, info, config), each
// in a live and a temp variant. Readers go through per-index aliases;
// the alias swap is the single linearization point that publishes a
// rebuild, so no reader ever observes an empty or partially populated
// live index.
type Manager struct {
	baseDir string
	lock    *RebuildLock

	mu       sync.Mutex
	manifest *Manifest
	live     map[string]bleve.Index
	temp     map[string]bleve.Index
	tempGen  map[string]int
	aliases  map[string]bleve.IndexAlias
}

// NewManager opens (or initializes) the indexes under baseDir and
// builds the reader aliases over the current live generations.
func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "indexes"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	manifest, err := LoadManifest(filepath.Join(baseDir, ManifestFilename))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		baseDir:  baseDir,
		lock:     NewRebuildLock(filepath.Join(baseDir, LockFilename)),
		manifest: manifest,
		live:     make(map[string]bleve.Index),
		temp:     make(map[string]bleve.Index),
		tempGen:  make(map[string]int),
		aliases:  make(map[string]bleve.IndexAlias),
	}

	for _, logical := range logicalIndexes {
		idx, err := m.openOrCreate(logical, manifest.Generation(logical), nil)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.live[logical] = idx
		m.aliases[logical] = bleve.NewIndexAlias(idx)
	}
	return m, nil
}

// Records returns the reader alias for the records index.
func (m *Manager) Records() bleve.Index { return m.aliases[IndexRecords] }

// Info returns the reader alias for the per-source info index.
func (m *Manager) Info() bleve.Index { return m.aliases[IndexInfo] }

// Config returns the reader alias for the config index.
func (m *Manager) Config() bleve.Index { return m.aliases[IndexConfig] }

// BeginRebuild acquires the cross-process rebuild lock. Rebuilds are
// not re-entrant.
func (m *Manager) BeginRebuild() error {
	return m.lock.TryLock()
}

// EndRebuild releases the rebuild lock.
func (m *Manager) EndRebuild() error {
	return m.lock.Unlock()
}

// CreateTemp drops any leftover temp variants and creates fresh ones
// at the next generation, using the field schema for the records
// mapping. It also removes stale generation directories left behind by
// earlier cycles. Idempotent.
func (m *Manager) CreateTemp(schema domain.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.dropTempLocked(); err != nil {
		return err
	}

	for _, logical := range logicalIndexes {
		current := m.manifest.Generation(logical)
		m.cleanupStaleGenerations(logical, current)

		next := current + 1
		idx, err := m.create(logical, next, schema)
		if err != nil {
			return domain.IndexErrorf("create temp %s: %v", logical, err)
		}
		m.temp[logical] = idx
		m.tempGen[logical] = next
	}
	return nil
}

// DropTemp closes and removes every temp variant. Idempotent.
func (m *Manager) DropTemp() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropTempLocked()
}

func (m *Manager) dropTempLocked() error {
	for logical, idx := range m.temp {
		if err := idx.Close(); err != nil {
			return domain.IndexErrorf("close temp %s: %v", logical, err)
		}
		if err := os.RemoveAll(m.indexPath(logical, m.tempGen[logical])); err != nil {
			return domain.IndexErrorf("remove temp %s: %v", logical, err)
		}
		delete(m.temp, logical)
		delete(m.tempGen, logical)
	}
	return nil
}

// Write stores one document into the temp variant of a logical index.
func (m *Manager) Write(logical, id string, doc map[string]any) error {
	m.mu.Lock()
	idx, ok := m.temp[logical]
	m.mu.Unlock()
	if !ok {
		return domain.IndexErrorf("no temp variant for %s; call CreateTemp first", logical)
	}
	if err := idx.Index(id, doc); err != nil {
		return domain.IndexErrorf("write %s/%s: %v", logical, id, err)
	}
	return nil
}

// NewWriter returns a batching writer over the temp variant of a
// logical index. The caller must Flush before Swap.
func (m *Manager) NewWriter(logical string) (*BatchWriter, error) {
	m.mu.Lock()
	idx, ok := m.temp[logical]
	m.mu.Unlock()
	if !ok {
		return nil, domain.IndexErrorf("no temp variant for %s; call CreateTemp first", logical)
	}
	return &BatchWriter{index: idx, batch: idx.NewBatch()}, nil
}

// Swap publishes the temp variants: the reader aliases flip to the new
// generations atomically, the manifest is bumped for cross-process
// pickup, and the old live handles are closed. Old generation
// directories stay on disk until the next rebuild so a concurrently
// serving process is never pulled out from under its open handles.
func (m *Manager) Swap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logical := range logicalIndexes {
		if _, ok := m.temp[logical]; !ok {
			return domain.IndexErrorf("no temp variant for %s to swap", logical)
		}
	}

	for _, logical := range logicalIndexes {
		newLive := m.temp[logical]
		oldLive := m.live[logical]

		m.aliases[logical].Swap([]bleve.Index{newLive}, []bleve.Index{oldLive})
		m.live[logical] = newLive
		delete(m.temp, logical)

		m.manifest.Bump(logical, m.tempGen[logical])
		delete(m.tempGen, logical)

		if err := oldLive.Close(); err != nil {
			return domain.IndexErrorf("close previous live %s: %v", logical, err)
		}
	}

	if err := m.manifest.Save(filepath.Join(m.baseDir, ManifestFilename)); err != nil {
		return domain.IndexErrorf("save manifest: %v", err)
	}
	return nil
}

// Reload picks up a generation change committed by another process:
// it re-reads the manifest and flips the aliases to any newer live
// generations.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest, err := LoadManifest(filepath.Join(m.baseDir, ManifestFilename))
	if err != nil {
		return err
	}

	for _, logical := range logicalIndexes {
		newGen := manifest.Generation(logical)
		if newGen == m.manifest.Generation(logical) {
			continue
		}
		idx, err := bleve.Open(m.indexPath(logical, newGen))
		if err != nil {
			return domain.IndexErrorf("open %s generation %d: %v", logical, newGen, err)
		}
		oldLive := m.live[logical]
		m.aliases[logical].Swap([]bleve.Index{idx}, []bleve.Index{oldLive})
		m.live[logical] = idx
		if err := oldLive.Close(); err != nil {
			return domain.IndexErrorf("close previous live %s: %v", logical, err)
		}
	}
	m.manifest = manifest
	return nil
}

// Status probes every live index. An error means the index is not
// serving.
func (m *Manager) Status() error {
	for _, logical := range logicalIndexes {
		if _, err := m.aliases[logical].DocCount(); err != nil {
			return domain.IndexErrorf("%s index unavailable: %v", logical, err)
		}
	}
	return nil
}

// DocCount returns the number of documents in the live records index.
func (m *Manager) DocCount() (uint64, error) {
	return m.aliases[IndexRecords].DocCount()
}

// Close releases every open index handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, idx := range m.temp {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.temp = make(map[string]bleve.Index)
	for _, idx := range m.live {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.live = make(map[string]bleve.Index)
	return firstErr
}

func (m *Manager) indexPath(logical string, generation int) string {
	return filepath.Join(m.baseDir, "indexes",
		fmt.Sprintf("%s-%06d%s", logical, generation, IndexSuffix))
}

func (m *Manager) openOrCreate(logical string, generation int, schema domain.Schema) (bleve.Index, error) {
	path := m.indexPath(logical, generation)
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	return m.create(logical, generation, schema)
}

func (m *Manager) create(logical string, generation int, schema domain.Schema) (bleve.Index, error) {
	path := m.indexPath(logical, generation)
	if logical == IndexRecords {
		im, err := RecordsMapping(schema)
		if err != nil {
			return nil, err
		}
		return bleve.New(path, im)
	}
	return bleve.New(path, StoreOnlyMapping())
}

// cleanupStaleGenerations removes generation directories other than the
// current live one.
func (m *Manager) cleanupStaleGenerations(logical string, current int) {
	entries, err := os.ReadDir(filepath.Join(m.baseDir, "indexes"))
	if err != nil {
		return
	}
	prefix := logical + "-"
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, IndexSuffix) {
			continue
		}
		genPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), IndexSuffix)
		gen, err := strconv.Atoi(genPart)
		if err != nil || gen == current {
			continue
		}
		_ = os.RemoveAll(filepath.Join(m.baseDir, "indexes", name))
	}
}

// BatchWriter accumulates documents and flushes them in bounded
// batches, the same way bulk indexing works everywhere else.
type BatchWriter struct {
	index   bleve.Index
	batch   *bleve.Batch
	pending int
}

// Write adds one document to the current batch, flushing when the
// batch is full.
func (w *BatchWriter) Write(id string, doc map[string]any) error {
	if err := w.batch.Index(id, doc); err != nil {
		return domain.IndexErrorf("batch %s: %v", id, err)
	}
	w.pending++
	if w.pending >= MaxBatchSize {
		return w.Flush()
	}
	return nil
}

// Flush writes the pending batch to the index.
func (w *BatchWriter) Flush() error {
	if w.pending == 0 {
		return nil
	}
	if err := w.index.Batch(w.batch); err != nil {
		return domain.IndexErrorf("batch flush: %v", err)
	}
	w.batch = w.index.NewBatch()
	w.pending = 0
	return nil
}

// RecordDocument builds the indexed document for one normalized record:
// the study_data/data_dict groups drive the field index and the full
// envelope is kept as the stored source.
func RecordDocument(rec domain.NormalizedRecord) (map[string]any, error) {
	source, err := json.Marshal(domain.Envelope(rec))
	if err != nil {
		return nil, domain.IndexErrorf("encode record: %v", err)
	}
	doc := map[string]any{SourceField: string(source)}
	if group, ok := rec[domain.StudyDataKey]; ok {
		doc[domain.StudyDataKey] = group
	}
	if group, ok := rec[domain.DataDictKey]; ok {
		doc[domain.DataDictKey] = group
	}
	return doc, nil
}

// DocumentFromSource rebuilds the indexed document of a record from its
// stored envelope, so a record carried between cycles stays reachable
// through field queries and not just by id.
func DocumentFromSource(source []byte) (map[string]any, error) {
	var envelope map[string]any
	if err := json.Unmarshal(source, &envelope); err != nil {
		return nil, domain.IndexErrorf("decode stored record: %v", err)
	}
	rec, ok := envelope[domain.FieldDiscovery].(map[string]any)
	if !ok {
		return nil, domain.IndexErrorf("stored record has no %q payload", domain.FieldDiscovery)
	}
	return RecordDocument(rec)
}

// StoredDocument builds a store-only document for the info and config
// indexes.
func StoredDocument(v any) (map[string]any, error) {
	source, err := json.Marshal(v)
	if err != nil {
		return nil, domain.IndexErrorf("encode document: %v", err)
	}
	return map[string]any{SourceField: string(source)}, nil
}

// GetSource fetches the stored source of one document by id. Returns
// domain.ErrNotFound when the id does not exist.
func GetSource(idx bleve.Index, id string) ([]byte, error) {
	req := bleve.NewSearchRequest(query.NewDocIDQuery([]string{id}))
	req.Size = 1
	req.Fields = []string{SourceField}

	res, err := idx.Search(req)
	if err != nil {
		return nil, domain.IndexErrorf("lookup %s: %v", id, err)
	}
	if len(res.Hits) == 0 {
		return nil, domain.ErrNotFound
	}
	source, ok := res.Hits[0].Fields[SourceField].(string)
	if !ok {
		return nil, domain.IndexErrorf("document %s has no stored source", id)
	}
	return []byte(source), nil
}
