package substrate

import (
	"context"
	"testing"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/embedding"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/schemacache"
	"github.com/rakunlabs/rcrt/internal/store/memory"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/rakunlabs/rcrt/internal/vector"
)

type fakePublisher struct {
	events []*model.EventEnvelope
}

func (f *fakePublisher) Publish(env *model.EventEnvelope, _ model.Visibility, _ model.Sensitivity) {
	f.events = append(f.events, env)
}

func newTestSubstrate(t *testing.T) (*Substrate, *fakePublisher) {
	t.Helper()

	st := memory.New()
	idx := vector.NewBruteForce()
	emb := embedding.NewLocal(16)
	engine := transform.New()
	schemas := schemacache.New(st, nil)
	pub := &fakePublisher{}

	return New(st, emb, idx, engine, schemas, pub, nil, config.Substrate{
		BatchTransformConcurrency: 4,
	}), pub
}

func testIdentity() model.Identity {
	return model.Identity{Subject: "agent-a", OwnerID: "tenant-a", Roles: []string{"emitter", "subscriber"}}
}

func TestCreateRecord_Basic(t *testing.T) {
	s, pub := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{
		Title:   "hello",
		Context: map[string]any{"description": "a greeting"},
		Tags:    []string{"greeting"},
	}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected a generated id")
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}
	if rec.Visibility != model.VisibilityTeam {
		t.Fatalf("expected default visibility team, got %s", rec.Visibility)
	}
	if rec.Embedding == nil {
		t.Fatal("expected an embedding to be computed")
	}
	if len(pub.events) != 1 || pub.events[0].Type != model.EventCreated {
		t.Fatalf("expected one created event, got %+v", pub.events)
	}
}

func TestCreateRecord_RequiresTitle(t *testing.T) {
	s, _ := newTestSubstrate(t)

	if _, err := s.CreateRecord(context.Background(), testIdentity(), CreateInput{}, ""); err == nil {
		t.Fatal("expected an error for a missing title")
	}
}

func TestCreateRecord_IdempotencyReplay(t *testing.T) {
	s, pub := newTestSubstrate(t)
	identity := testIdentity()
	input := CreateInput{Title: "hello", Tags: []string{"a"}}

	first, err := s.CreateRecord(context.Background(), identity, input, "key-1")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	second, err := s.CreateRecord(context.Background(), identity, input, "key-1")
	if err != nil {
		t.Fatalf("CreateRecord (replay): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the replay to return the original record, got a different id")
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected the replay to publish no additional event, got %d events", len(pub.events))
	}
}

func TestCreateRecord_IdempotencyConflictOnDifferentPayload(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	if _, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "hello"}, "key-1"); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	// Different payload under the same key is not a replay: it is rejected
	// with an idempotency conflict rather than creating a second record.
	_, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "different"}, "key-1")
	if err == nil {
		t.Fatal("expected an idempotency conflict for the mismatched payload")
	}
	if rcrterr.Code(err) != 409 {
		t.Fatalf("expected a 409-mapped error, got code %d (%v)", rcrterr.Code(err), err)
	}
}

func TestUpdateRecord_RequiresIfMatchVersion(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "hello"}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if _, err := s.UpdateRecord(context.Background(), identity, rec.ID, UpdateInput{}, 0); err == nil {
		t.Fatal("expected an error when ifMatchVersion is not set")
	}
}

func TestUpdateRecord_VersionConflict(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "hello"}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if _, err := s.UpdateRecord(context.Background(), identity, rec.ID, UpdateInput{}, 99); err == nil {
		t.Fatal("expected a version conflict for a stale ifMatchVersion")
	}
}

func TestUpdateRecord_AppliesPartialChanges(t *testing.T) {
	s, pub := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "hello", Tags: []string{"a"}}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	newTitle := "updated"
	updated, err := s.UpdateRecord(context.Background(), identity, rec.ID, UpdateInput{Title: &newTitle}, rec.Version)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if updated.Title != "updated" {
		t.Fatalf("expected title to be updated, got %s", updated.Title)
	}
	if len(updated.Tags) != 1 || updated.Tags[0] != "a" {
		t.Fatalf("expected tags to be left unchanged, got %+v", updated.Tags)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", updated.Version)
	}
	if len(pub.events) != 2 || pub.events[1].Type != model.EventUpdated {
		t.Fatalf("expected a second, updated event, got %+v", pub.events)
	}
}

func TestDeleteRecord_EmitsDeletedEvent(t *testing.T) {
	s, pub := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "hello"}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if err := s.DeleteRecord(context.Background(), identity.OwnerID, rec.ID); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if _, err := s.GetRecord(context.Background(), identity.OwnerID, rec.ID); err == nil {
		t.Fatal("expected the deleted record to no longer be gettable")
	}
	if len(pub.events) != 2 || pub.events[1].Type != model.EventDeleted {
		t.Fatalf("expected a deleted event, got %+v", pub.events)
	}
}

func TestGetHistory_TracksEveryVersion(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "hello"}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	newTitle := "v2"
	if _, err := s.UpdateRecord(context.Background(), identity, rec.ID, UpdateInput{Title: &newTitle}, rec.Version); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	rows, err := s.GetHistory(context.Background(), identity, rec.ID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(rows))
	}
}

func TestSearch_KeywordScoreOnly(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	rec, err := s.CreateRecord(context.Background(), identity, CreateInput{
		SchemaName: "note.v1",
		Title:      "project kickoff",
		Tags:       []string{"project:apollo"},
	}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	// EntityKeywords isn't populated by CreateRecord itself (that is
	// internal/entityworker's job); set it directly to exercise the
	// keyword half of the score without depending on that pipeline.
	rec.EntityKeywords = []string{"apollo"}
	if err := s.store.UpdateRecord(context.Background(), rec, rec.Version); err != nil {
		t.Fatalf("seed entity keywords: %v", err)
	}

	results, err := s.Search(context.Background(), identity, "", []string{"apollo"}, nil, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected a positive keyword score, got %f", results[0].Score)
	}
}

func TestSearch_ExcludesBlacklistedSchemas(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	if _, err := s.CreateRecord(context.Background(), identity, CreateInput{
		SchemaName: "schema.def.v1",
		Title:      "system schema",
	}, ""); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	results, err := s.Search(context.Background(), identity, "", nil, nil, []string{"schema.def.v1"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected the blacklisted schema to be excluded, got %+v", results)
	}
}

func TestSearch_FiltersBySchemaName(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	if _, err := s.CreateRecord(context.Background(), identity, CreateInput{SchemaName: "note.v1", Title: "a"}, ""); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := s.CreateRecord(context.Background(), identity, CreateInput{SchemaName: "task.v1", Title: "b"}, ""); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	results, err := s.Search(context.Background(), identity, "", nil, []string{"task.v1"}, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.Title != "b" {
		t.Fatalf("expected only the task.v1 record, got %+v", results)
	}
}

func TestSearch_NNZeroReturnsEmpty(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	if _, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: "a"}, ""); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	results, err := s.Search(context.Background(), identity, "", nil, nil, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("expected nn=0 to return an empty, non-nil slice, got %+v", results)
	}
}

func TestSearch_NegativeNNRejected(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	_, err := s.Search(context.Background(), identity, "", nil, nil, nil, -1)
	if err == nil {
		t.Fatal("expected a negative nn to be rejected")
	}
	if rcrterr.Code(err) != 400 {
		t.Fatalf("expected a 400-mapped error, got code %d (%v)", rcrterr.Code(err), err)
	}
}

func TestBatchTransform_PreservesOrder(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		rec, err := s.CreateRecord(context.Background(), identity, CreateInput{Title: title}, "")
		if err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	views, err := s.BatchTransform(context.Background(), identity, ids)
	if err != nil {
		t.Fatalf("BatchTransform: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 views, got %d", len(views))
	}
	for _, v := range views {
		if v == nil {
			t.Fatal("expected every view to be populated")
		}
	}
}

func TestBatchTransform_FailsOnMissingID(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	if _, err := s.BatchTransform(context.Background(), identity, []string{"does-not-exist"}); err == nil {
		t.Fatal("expected an error for an unknown record id")
	}
}
