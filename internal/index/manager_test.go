package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/commonsmeta/aggmds/internal/domain"
)

func testSchema() domain.Schema {
	return domain.Schema{
		"full_name":     {Type: domain.TypeString},
		"subjects":      {Type: domain.TypeInteger},
		"tags":          {Type: domain.TypeArray, Items: &domain.FieldDefinition{Type: domain.TypeObject}},
		"investigators": {Type: domain.TypeArray},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func writeRecord(t *testing.T, mgr *Manager, guid, name string) {
	t.Helper()
	doc, err := RecordDocument(domain.NormalizedRecord{
		domain.StudyDataKey: map[string]any{
			"full_name":    name,
			"commons_name": "Test Commons",
		},
	})
	if err != nil {
		t.Fatalf("RecordDocument failed: %v", err)
	}
	if err := mgr.Write(IndexRecords, guid, doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestManagerStartsEmpty(t *testing.T) {
	mgr := newTestManager(t)

	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty records index, got %d docs", count)
	}
	if err := mgr.Status(); err != nil {
		t.Errorf("Status on fresh manager failed: %v", err)
	}
}

func TestWriteRequiresTemp(t *testing.T) {
	mgr := newTestManager(t)

	err := mgr.Write(IndexRecords, "guid-1", map[string]any{SourceField: "{}"})
	if !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected index error without temp variant, got %v", err)
	}
	if _, err := mgr.NewWriter(IndexRecords); !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected index error from NewWriter, got %v", err)
	}
}

func TestCreateWriteSwapRead(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	writeRecord(t, mgr, "guid-1", "BACPAC Study")
	writeRecord(t, mgr, "guid-2", "HEAL Pain Study")

	// Readers see nothing until the swap.
	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected live index untouched before swap, got %d docs", count)
	}

	if err := mgr.Swap(); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}

	count, err = mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount after swap failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 docs after swap, got %d", count)
	}

	source, err := GetSource(mgr.Records(), "guid-1")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(source, &envelope); err != nil {
		t.Fatalf("stored source is not valid JSON: %v", err)
	}
	if envelope[domain.FieldGUIDType] != domain.GUIDType {
		t.Errorf("expected guid type %q, got %v", domain.GUIDType, envelope[domain.FieldGUIDType])
	}
}

func TestSwapReplacesPreviousGeneration(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	writeRecord(t, mgr, "old-1", "Old Study")
	if err := mgr.Swap(); err != nil {
		t.Fatalf("first Swap failed: %v", err)
	}

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("second CreateTemp failed: %v", err)
	}
	writeRecord(t, mgr, "new-1", "New Study")
	writeRecord(t, mgr, "new-2", "Newer Study")

	// The old generation keeps serving while the new one is built.
	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected old generation with 1 doc, got %d", count)
	}
	if _, err := GetSource(mgr.Records(), "old-1"); err != nil {
		t.Errorf("old record unavailable during rebuild: %v", err)
	}

	if err := mgr.Swap(); err != nil {
		t.Fatalf("second Swap failed: %v", err)
	}

	count, err = mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount after swap failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected new generation with 2 docs, got %d", count)
	}
	if _, err := GetSource(mgr.Records(), "old-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected old record gone after swap, got %v", err)
	}
}

func TestDropTempDiscardsStagedWrites(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	writeRecord(t, mgr, "guid-1", "Doomed Study")
	if err := mgr.DropTemp(); err != nil {
		t.Fatalf("DropTemp failed: %v", err)
	}
	// Idempotent.
	if err := mgr.DropTemp(); err != nil {
		t.Fatalf("second DropTemp failed: %v", err)
	}

	if err := mgr.Swap(); !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected Swap to fail after DropTemp, got %v", err)
	}
	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected live index unaffected by aborted rebuild, got %d docs", count)
	}
}

func TestCreateTempCleansStaleGenerations(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer func() { _ = mgr.Close() }()

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	if err := mgr.Swap(); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	// Generation 0 dirs linger after the swap on purpose.
	gen0 := filepath.Join(dir, "indexes", fmt.Sprintf("records-%06d%s", 0, IndexSuffix))
	if _, err := os.Stat(gen0); err != nil {
		t.Fatalf("expected generation 0 to remain after swap: %v", err)
	}

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("second CreateTemp failed: %v", err)
	}
	if _, err := os.Stat(gen0); !os.IsNotExist(err) {
		t.Error("expected generation 0 to be removed by the next rebuild")
	}
	if err := mgr.DropTemp(); err != nil {
		t.Fatalf("DropTemp failed: %v", err)
	}
}

func TestReloadPicksUpCommittedGeneration(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager (writer) failed: %v", err)
	}
	if err := writer.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	writeRecord(t, writer, "guid-1", "Shared Study")
	if err := writer.Swap(); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close (writer) failed: %v", err)
	}

	// A reader that started before the commit reopens at the new
	// generation after Reload.
	reader, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager (reader) failed: %v", err)
	}
	defer func() { _ = reader.Close() }()

	if err := reader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	count, err := reader.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 doc after reload, got %d", count)
	}
}

func TestBatchWriterFlushes(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	w, err := mgr.NewWriter(IndexRecords)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	total := MaxBatchSize + 7
	for i := 0; i < total; i++ {
		doc, err := RecordDocument(domain.NormalizedRecord{
			domain.StudyDataKey: map[string]any{"full_name": fmt.Sprintf("Study %d", i)},
		})
		if err != nil {
			t.Fatalf("RecordDocument failed: %v", err)
		}
		if err := w.Write(fmt.Sprintf("guid-%04d", i), doc); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("empty Flush failed: %v", err)
	}
	if err := mgr.Swap(); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}

	count, err := mgr.DocCount()
	if err != nil {
		t.Fatalf("DocCount failed: %v", err)
	}
	if count != uint64(total) {
		t.Errorf("expected %d docs, got %d", total, count)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	mgr := newTestManager(t)

	if _, err := GetSource(mgr.Records(), "no-such-guid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoredDocumentRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.CreateTemp(testSchema()); err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	doc, err := StoredDocument(domain.SourceInfo{CommonsURL: "https://example.org", RecordCount: 12})
	if err != nil {
		t.Fatalf("StoredDocument failed: %v", err)
	}
	if err := mgr.Write(IndexInfo, "Test Commons", doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := mgr.Swap(); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}

	source, err := GetSource(mgr.Info(), "Test Commons")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	var info domain.SourceInfo
	if err := json.Unmarshal(source, &info); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if info.RecordCount != 12 {
		t.Errorf("expected record count 12, got %d", info.RecordCount)
	}
}

func TestDocumentFromSource(t *testing.T) {
	rec := domain.NormalizedRecord{
		domain.StudyDataKey: map[string]any{
			"full_name":             "Heart Study",
			domain.FieldCommonsName: "HEAL",
		},
	}
	original, err := RecordDocument(rec)
	if err != nil {
		t.Fatalf("RecordDocument failed: %v", err)
	}

	rebuilt, err := DocumentFromSource([]byte(original[SourceField].(string)))
	if err != nil {
		t.Fatalf("DocumentFromSource failed: %v", err)
	}
	group, ok := rebuilt[domain.StudyDataKey].(map[string]any)
	if !ok {
		t.Fatal("expected rebuilt document to carry the study data group")
	}
	if group[domain.FieldCommonsName] != "HEAL" {
		t.Errorf("expected commons name in rebuilt group, got %v", group[domain.FieldCommonsName])
	}
	if rebuilt[SourceField] != original[SourceField] {
		t.Error("expected rebuilt document to keep the stored source")
	}

	if _, err := DocumentFromSource([]byte(`{"no_payload": true}`)); err == nil {
		t.Error("expected error for a source without a record payload")
	}
	if _, err := DocumentFromSource([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed source")
	}
}
