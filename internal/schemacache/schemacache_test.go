package schemacache

import (
	"context"
	"testing"

	"github.com/rakunlabs/rcrt/internal/model"
)

type fakeStore struct {
	calls int
	recs  []*model.Record
	err   error
}

func (f *fakeStore) FindRecordsBySchemaAndTag(_ context.Context, _, _, _ string, _ int) ([]*model.Record, error) {
	f.calls++
	return f.recs, f.err
}

func defRecord(targetSchema string, hints map[string]any) *model.Record {
	return &model.Record{
		ID: "def-1",
		Context: map[string]any{
			"target_schema": targetSchema,
			"llm_hints":     hints,
		},
	}
}

func TestHints_MissThenHit(t *testing.T) {
	store := &fakeStore{recs: []*model.Record{defRecord("note.v1", map[string]any{
		"include": []any{"title"},
		"mode":    "replace",
	})}}
	c := New(store, nil)

	hints, found, err := c.Hints(context.Background(), "tenant-a", "note.v1")
	if err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if len(hints.Include) != 1 || hints.Include[0] != "title" {
		t.Errorf("unexpected include list: %+v", hints.Include)
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", store.calls)
	}

	if _, _, err := c.Hints(context.Background(), "tenant-a", "note.v1"); err != nil {
		t.Fatalf("Hints (cached): %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected cache hit to avoid a second store call, got %d calls", store.calls)
	}
}

func TestHints_UndefinedSchemaIsMemoizedNotFound(t *testing.T) {
	store := &fakeStore{}
	c := New(store, nil)

	_, found, err := c.Hints(context.Background(), "tenant-a", "unknown.v1")
	if err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if found {
		t.Fatal("expected found=false for an undefined schema")
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", store.calls)
	}

	if _, found, err := c.Hints(context.Background(), "tenant-a", "unknown.v1"); err != nil || found {
		t.Fatalf("expected cached miss, got found=%v err=%v", found, err)
	}
	if store.calls != 1 {
		t.Fatalf("expected the not-found result to be memoized, got %d calls", store.calls)
	}
}

func TestHints_TenantsAreIsolated(t *testing.T) {
	store := &fakeStore{recs: []*model.Record{defRecord("note.v1", map[string]any{
		"mode": "merge",
	})}}
	c := New(store, nil)

	if _, _, err := c.Hints(context.Background(), "tenant-a", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if _, _, err := c.Hints(context.Background(), "tenant-b", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected a separate lookup per tenant, got %d calls", store.calls)
	}
}

func TestInvalidate_DropsAllTenantsForSchema(t *testing.T) {
	store := &fakeStore{recs: []*model.Record{defRecord("note.v1", map[string]any{"mode": "replace"})}}
	c := New(store, nil)

	if _, _, err := c.Hints(context.Background(), "tenant-a", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if _, _, err := c.Hints(context.Background(), "tenant-b", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 store calls before invalidation, got %d", store.calls)
	}

	c.Invalidate(context.Background(), "note.v1")

	if _, _, err := c.Hints(context.Background(), "tenant-a", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if _, _, err := c.Hints(context.Background(), "tenant-b", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if store.calls != 4 {
		t.Fatalf("expected both tenants to reload after invalidation, got %d calls", store.calls)
	}
}

func TestOnClusterInvalidate_EmptyNameFlushesEverything(t *testing.T) {
	store := &fakeStore{recs: []*model.Record{defRecord("note.v1", map[string]any{"mode": "replace"})}}
	c := New(store, nil)

	if _, _, err := c.Hints(context.Background(), "tenant-a", "note.v1"); err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if len(c.entries) != 1 {
		t.Fatalf("expected 1 cached entry, got %d", len(c.entries))
	}

	c.OnClusterInvalidate("")

	if len(c.entries) != 0 {
		t.Fatalf("expected cache to be empty after full flush, got %d entries", len(c.entries))
	}
}
