package entityworker

import (
	"context"
	"sort"
	"testing"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/schemacache"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/worldline-go/types"
)

type fakeStore struct {
	recs        map[string]*model.Record
	updateErr   error
	updateCalls int
}

func (f *fakeStore) GetRecord(_ context.Context, ownerID, recordID string) (*model.Record, error) {
	rec, ok := f.recs[recordID]
	if !ok || rec.OwnerID != ownerID {
		return nil, rcrterr.NotFound("record %s", recordID)
	}
	return rec, nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, rec *model.Record, ifMatchVersion int64) error {
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	if rec.Version != ifMatchVersion {
		return rcrterr.VersionConflict(rec.ID, ifMatchVersion, rec.Version)
	}
	f.recs[rec.ID] = rec
	return nil
}

// ListRecordsMissingEntityKeywords mirrors the real backends' query: it
// reflects the current state of recs, so once process() persists
// keywords for a row, that row drops out of the next page.
func (f *fakeStore) ListRecordsMissingEntityKeywords(_ context.Context, batchSize int) ([]*model.Record, error) {
	var missing []*model.Record
	ids := make([]string, 0, len(f.recs))
	for id := range f.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(f.recs[id].EntityKeywords) == 0 {
			missing = append(missing, f.recs[id])
		}
	}
	if batchSize > 0 && len(missing) > batchSize {
		missing = missing[:batchSize]
	}
	return missing, nil
}

func newWorker(st *fakeStore) *Worker {
	schemas := schemacache.New(&emptyFinder{}, nil)
	return New(st, schemas, transform.New(), config.EntityWorker{}, []string{"invoice", "budget"}, []string{"active", "archived"})
}

type emptyFinder struct{}

func (emptyFinder) FindRecordsBySchemaAndTag(_ context.Context, _, _, _ string, _ int) ([]*model.Record, error) {
	return nil, nil
}

func record(id string, version int64, tags []string) *model.Record {
	return &model.Record{
		ID:      id,
		OwnerID: "tenant-a",
		Version: version,
		Title:   "Invoice review needed",
		Context: map[string]any{"description": "overdue budget line item"},
		Tags:    types.Slice[string](tags),
	}
}

func TestProcess_ExtractsAndPersistsKeywords(t *testing.T) {
	rec := record("r1", 1, []string{"workspace:finance", "urgent"})
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}}
	w := newWorker(st)

	if err := w.process(context.Background(), "tenant-a", "r1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := st.recs["r1"]
	if len(got.EntityKeywords) == 0 {
		t.Fatal("expected entity keywords to be populated")
	}
	foundInvoice, foundUrgent := false, false
	for _, k := range got.EntityKeywords {
		if k == "invoice" {
			foundInvoice = true
		}
		if k == "urgent" {
			foundUrgent = true
		}
	}
	if !foundInvoice {
		t.Errorf("expected domain term %q in keywords, got %+v", "invoice", got.EntityKeywords)
	}
	if !foundUrgent {
		t.Errorf("expected pointer tag %q in keywords, got %+v", "urgent", got.EntityKeywords)
	}
	if st.updateCalls != 1 {
		t.Fatalf("expected 1 update call, got %d", st.updateCalls)
	}
}

func TestProcess_SkipsRecomputeUnlessForced(t *testing.T) {
	rec := record("r1", 1, []string{"urgent"})
	rec.EntityKeywords = types.Slice[string]([]string{"already-set"})
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}}
	w := newWorker(st)

	if err := w.process(context.Background(), "tenant-a", "r1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.updateCalls != 0 {
		t.Fatalf("expected no update for an already-keyworded record, got %d calls", st.updateCalls)
	}

	if err := w.process(context.Background(), "tenant-a", "r1", true); err != nil {
		t.Fatalf("process (forced): %v", err)
	}
	if st.updateCalls != 1 {
		t.Fatalf("expected forced recompute to persist, got %d calls", st.updateCalls)
	}
}

func TestProcess_VersionConflictIsSwallowed(t *testing.T) {
	rec := record("r1", 1, []string{"urgent"})
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}, updateErr: rcrterr.VersionConflict("r1", 1, 2)}
	w := newWorker(st)

	if err := w.process(context.Background(), "tenant-a", "r1", false); err != nil {
		t.Fatalf("expected version conflict to be swallowed, got: %v", err)
	}
}

func TestHandle_NotFoundIsSwallowed(t *testing.T) {
	st := &fakeStore{recs: map[string]*model.Record{}}
	w := newWorker(st)

	w.handle(context.Background(), &model.EventEnvelope{
		Type:     model.EventCreated,
		Owner:    "tenant-a",
		RecordID: "ghost",
	})
	// No panic and no update call is success; nothing further to assert.
	if st.updateCalls != 0 {
		t.Fatalf("expected no update calls for a missing record, got %d", st.updateCalls)
	}
}

func TestHandle_IgnoresDeleteAndPingEvents(t *testing.T) {
	rec := record("r1", 1, []string{"urgent"})
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}}
	w := newWorker(st)

	w.handle(context.Background(), &model.EventEnvelope{Type: model.EventDeleted, Owner: "tenant-a", RecordID: "r1"})
	w.handle(context.Background(), &model.EventEnvelope{Type: model.EventPing, Owner: "tenant-a", RecordID: "r1"})

	if st.updateCalls != 0 {
		t.Fatalf("expected delete/ping events to trigger no processing, got %d calls", st.updateCalls)
	}
}

func TestBackfill_PagesUntilPartialBatch(t *testing.T) {
	recs := []*model.Record{
		record("a", 1, []string{"urgent"}),
		record("b", 1, []string{"urgent"}),
		record("c", 1, []string{"urgent"}),
	}
	byID := map[string]*model.Record{}
	for _, r := range recs {
		byID[r.ID] = r
	}

	st := &fakeStore{recs: byID}
	w := newWorker(st)
	w.cfg.BackfillBatchSize = 2

	if err := w.Backfill(context.Background()); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if st.updateCalls != 3 {
		t.Fatalf("expected all 3 records to be processed, got %d update calls", st.updateCalls)
	}
}
