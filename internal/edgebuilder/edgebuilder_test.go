package edgebuilder

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/vector"
	"github.com/worldline-go/types"
)

type fakeStore struct {
	recs          map[string]*model.Record
	tagNeighbors  map[string][]string
	sessNeighbors []string
	inserted      []model.Edge
}

func (f *fakeStore) GetRecord(_ context.Context, ownerID, recordID string) (*model.Record, error) {
	return f.recs[recordID], nil
}

func (f *fakeStore) InsertEdgesBulk(_ context.Context, edges []model.Edge) error {
	f.inserted = append(f.inserted, edges...)
	return nil
}

func (f *fakeStore) TagNeighbors(_ context.Context, _, tag, _ string, _ int) ([]string, error) {
	return f.tagNeighbors[tag], nil
}

func (f *fakeStore) SessionNeighbors(_ context.Context, _, _, _ string, _ time.Time, _ int) ([]string, error) {
	return f.sessNeighbors, nil
}

type fakeIndex struct {
	candidates []vector.Candidate
}

func (fakeIndex) Upsert(context.Context, string, string, []float32) error { return nil }
func (fakeIndex) Delete(context.Context, string, string) error           { return nil }
func (f fakeIndex) Search(context.Context, string, []float32, int, float64) ([]vector.Candidate, error) {
	return f.candidates, nil
}

func TestHandle_CausalEdgeFromTriggerEventID(t *testing.T) {
	rec := &model.Record{
		ID:      "child",
		OwnerID: "tenant-a",
		Context: map[string]any{"trigger_event_id": "parent"},
	}
	st := &fakeStore{recs: map[string]*model.Record{"child": rec}}
	w := New(st, fakeIndex{}, config.EdgeBuilder{})

	if err := w.handle(context.Background(), &model.EventEnvelope{Owner: "tenant-a", RecordID: "child"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(st.inserted) != 1 {
		t.Fatalf("expected 1 causal edge, got %d", len(st.inserted))
	}
	e := st.inserted[0]
	if e.FromID != "parent" || e.ToID != "child" || e.EdgeType != model.EdgeCausal {
		t.Fatalf("unexpected causal edge: %+v", e)
	}
}

func TestHandle_TagEdgesBothDirections(t *testing.T) {
	rec := &model.Record{
		ID:      "r1",
		OwnerID: "tenant-a",
		Tags:    types.Slice[string]([]string{"urgent"}),
	}
	st := &fakeStore{
		recs:         map[string]*model.Record{"r1": rec},
		tagNeighbors: map[string][]string{"urgent": {"r2"}},
	}
	w := New(st, fakeIndex{}, config.EdgeBuilder{})

	if err := w.handle(context.Background(), &model.EventEnvelope{Owner: "tenant-a", RecordID: "r1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(st.inserted) != 2 {
		t.Fatalf("expected edges in both directions, got %d", len(st.inserted))
	}
}

func TestHandle_SemanticEdgesExcludeSelf(t *testing.T) {
	rec := &model.Record{
		ID:        "r1",
		OwnerID:   "tenant-a",
		Embedding: []float32{0.1, 0.2, 0.3},
	}
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}}
	idx := fakeIndex{candidates: []vector.Candidate{
		{RecordID: "r1", Score: 1.0},
		{RecordID: "r2", Score: 0.9},
	}}
	w := New(st, idx, config.EdgeBuilder{SemanticTopK: 5, SemanticThreshold: 0.5})

	if err := w.handle(context.Background(), &model.EventEnvelope{Owner: "tenant-a", RecordID: "r1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for _, e := range st.inserted {
		if e.FromID == "r1" && e.ToID == "r1" {
			t.Fatal("expected no self-referencing semantic edge")
		}
	}
	if len(st.inserted) != 2 {
		t.Fatalf("expected a semantic edge in both directions, got %d", len(st.inserted))
	}
}

func TestHandle_NoEmbeddingProducesNoSemanticEdges(t *testing.T) {
	rec := &model.Record{ID: "r1", OwnerID: "tenant-a"}
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}}
	idx := fakeIndex{candidates: []vector.Candidate{{RecordID: "r2", Score: 0.9}}}
	w := New(st, idx, config.EdgeBuilder{})

	if err := w.handle(context.Background(), &model.EventEnvelope{Owner: "tenant-a", RecordID: "r1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(st.inserted) != 0 {
		t.Fatalf("expected no edges for a record with no embedding, got %d", len(st.inserted))
	}
}

func TestRun_IgnoresNonCreatedEvents(t *testing.T) {
	rec := &model.Record{ID: "r1", OwnerID: "tenant-a", Context: map[string]any{"trigger_event_id": "p"}}
	st := &fakeStore{recs: map[string]*model.Record{"r1": rec}}
	w := New(st, fakeIndex{}, config.EdgeBuilder{})

	events := make(chan *model.EventEnvelope, 1)
	events <- &model.EventEnvelope{Type: model.EventUpdated, Owner: "tenant-a", RecordID: "r1"}
	close(events)

	w.Run(context.Background(), events)

	if len(st.inserted) != 0 {
		t.Fatalf("expected update events to be ignored, got %d edges", len(st.inserted))
	}
}
