package assembler

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/substrate"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/worldline-go/types"
)

type fakeStore struct {
	recs      map[string]*model.Record
	agentDefs []*model.Record
	edges     map[string][]model.Edge // keyed by record id, either endpoint
	listRecs  map[string][]*model.Record
}

func (f *fakeStore) GetRecord(_ context.Context, ownerID, recordID string) (*model.Record, error) {
	rec, ok := f.recs[recordID]
	if !ok || rec.OwnerID != ownerID {
		return nil, context.Canceled
	}
	return rec, nil
}

func (f *fakeStore) ListRecords(_ context.Context, _ string, _ string, _ bool, filter model.RecordFilter) ([]*model.Record, error) {
	key := filter.SchemaName
	if key == "" {
		key = filter.Tag
	}
	recs := f.listRecs[key]
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return recs, nil
}

func (f *fakeStore) ListAllAgentDefs(_ context.Context) ([]*model.Record, error) {
	return f.agentDefs, nil
}

func (f *fakeStore) ListEdgesAmong(_ context.Context, _ string, recordIDs []string) ([]model.Edge, error) {
	in := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		in[id] = struct{}{}
	}
	seen := map[model.Edge]struct{}{}
	var out []model.Edge
	for _, id := range recordIDs {
		for _, e := range f.edges[id] {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSubstrate struct {
	searchResults []substrate.SearchResult
	created       []substrate.CreateInput
}

func (f *fakeSubstrate) Search(_ context.Context, _ model.Identity, _ string, _, _, _ []string, _ int) ([]substrate.SearchResult, error) {
	return f.searchResults, nil
}

func (f *fakeSubstrate) GetRecordContextView(_ context.Context, _ model.Identity, recordID string) (*model.Record, []transform.Warning, error) {
	return &model.Record{ID: recordID, Title: "view:" + recordID, Context: map[string]any{"id": recordID}}, nil, nil
}

func (f *fakeSubstrate) CreateRecord(_ context.Context, _ model.Identity, input substrate.CreateInput, _ string) (*model.Record, error) {
	f.created = append(f.created, input)
	return &model.Record{ID: "published"}, nil
}

type fakeBudgeter struct {
	budget int64
}

func (f *fakeBudgeter) Resolve(context.Context, string, map[string]any) (int64, error) {
	return f.budget, nil
}

func (f *fakeBudgeter) EstimateTokens(content string) int64 {
	return int64((len(content) + 2) / 3)
}

func edgeBetween(owner, from, to string, edgeType model.EdgeType, weight float64) model.Edge {
	return model.Edge{OwnerID: owner, FromID: from, ToID: to, EdgeType: edgeType, Weight: weight, CreatedAt: time.Now()}
}

func TestHybridPointers_UnionsTagsAndKeywords(t *testing.T) {
	rec := &model.Record{
		Tags:           types.Slice[string]([]string{"Urgent", "session:abc", "archived"}),
		EntityKeywords: types.Slice[string]([]string{"Invoice"}),
	}
	vocab := map[string]struct{}{"archived": {}}

	got := hybridPointers(rec, vocab)

	want := map[string]struct{}{"urgent": {}, "invoice": {}}
	if len(got) != len(want) {
		t.Fatalf("unexpected pointer set: %+v", got)
	}
	for _, p := range got {
		if _, ok := want[p]; !ok {
			t.Errorf("unexpected pointer %q", p)
		}
	}
}

func TestGraphLoad_ExpandsByRadius(t *testing.T) {
	st := &fakeStore{
		edges: map[string][]model.Edge{
			"seed": {edgeBetween("t", "seed", "hop1", model.EdgeTag, 0.6)},
			"hop1": {edgeBetween("t", "seed", "hop1", model.EdgeTag, 0.6), edgeBetween("t", "hop1", "hop2", model.EdgeTag, 0.6)},
			"hop2": {edgeBetween("t", "hop1", "hop2", model.EdgeTag, 0.6)},
		},
	}
	a := New(st, &fakeSubstrate{}, &fakeBudgeter{budget: 1000}, config.Assembler{}, nil)

	ids, _, err := a.graphLoad(context.Background(), "t", []string{"seed"}, 1)
	if err != nil {
		t.Fatalf("graphLoad: %v", err)
	}
	if !containsAll(ids, "seed", "hop1") || containsAll(ids, "hop2") {
		t.Fatalf("radius 1 should reach hop1 but not hop2, got %v", ids)
	}

	ids, _, err = a.graphLoad(context.Background(), "t", []string{"seed"}, 2)
	if err != nil {
		t.Fatalf("graphLoad: %v", err)
	}
	if !containsAll(ids, "seed", "hop1", "hop2") {
		t.Fatalf("radius 2 should reach hop2, got %v", ids)
	}
}

func containsAll(haystack []string, needles ...string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func TestSelectWithinBudget_StopsWhenOverBudget(t *testing.T) {
	a := New(&fakeStore{}, &fakeSubstrate{}, &fakeBudgeter{}, config.Assembler{MaxResults: 10, MaxDepth: 5}, nil)

	nodes := map[string]*model.Record{
		"seed": {ID: "seed", SizeBytes: 30},
		"n1":   {ID: "n1", SizeBytes: 30},
		"n2":   {ID: "n2", SizeBytes: 3000},
	}
	edges := []model.Edge{
		edgeBetween("t", "seed", "n1", model.EdgeCausal, 0.9),
		edgeBetween("t", "n1", "n2", model.EdgeCausal, 0.9),
	}

	selected := a.selectWithinBudget([]string{"seed"}, nodes, edges, 50)

	if len(selected) == 0 || selected[0] != "seed" {
		t.Fatalf("expected seed to be selected first, got %v", selected)
	}
	for _, id := range selected {
		if id == "n2" {
			t.Fatalf("expected the oversized node to blow the budget and stop selection, got %v", selected)
		}
	}
}

func TestSelectWithinBudget_CapsAtMaxResults(t *testing.T) {
	a := New(&fakeStore{}, &fakeSubstrate{}, &fakeBudgeter{}, config.Assembler{MaxResults: 1, MaxDepth: 5}, nil)

	nodes := map[string]*model.Record{
		"seed": {ID: "seed", SizeBytes: 3},
		"n1":   {ID: "n1", SizeBytes: 3},
	}
	edges := []model.Edge{edgeBetween("t", "seed", "n1", model.EdgeCausal, 0.9)}

	selected := a.selectWithinBudget([]string{"seed"}, nodes, edges, 100000)
	if len(selected) != 1 {
		t.Fatalf("expected max_results=1 to cap selection, got %v", selected)
	}
}

func TestPrioritySort_TriggerFirstThenBands(t *testing.T) {
	now := time.Now()
	nodes := map[string]*model.Record{
		"trigger": {ID: "trigger", SchemaName: types.Null[string]{V: "note.v1", Valid: true}, UpdatedAt: now},
		"tool":    {ID: "tool", SchemaName: types.Null[string]{V: "tool.catalog.v1", Valid: true}, UpdatedAt: now},
		"note":    {ID: "note", SchemaName: types.Null[string]{V: "knowledge.v1", Valid: true}, UpdatedAt: now.Add(-time.Hour)},
		"other":   {ID: "other", SchemaName: types.Null[string]{V: "misc.v1", Valid: true}, UpdatedAt: now},
	}

	got := prioritySort("trigger", []string{"other", "note", "tool", "trigger"}, nodes)

	want := []string{"trigger", "tool", "note", "other"}
	if len(got) != len(want) {
		t.Fatalf("unexpected length: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRun_PublishesTriggerAloneWhenGraphIsEmpty(t *testing.T) {
	owner := "tenant-a"
	trigger := &model.Record{ID: "trigger", OwnerID: owner, Title: "Incident opened", SizeBytes: 30}
	st := &fakeStore{recs: map[string]*model.Record{"trigger": trigger}}
	sub := &fakeSubstrate{}
	budgets := &fakeBudgeter{budget: 10000}

	a := New(st, sub, budgets, config.Assembler{Radius: 2, MaxDepth: 5, MaxResults: 50}, nil)

	def := model.AgentDef{AgentID: "agent-1", ContextTrigger: model.Selector{SchemaName: ""}}
	env := &model.EventEnvelope{Type: model.EventCreated, Owner: owner, RecordID: "trigger"}

	if err := a.run(context.Background(), def, &model.Record{Context: map[string]any{}}, env, trigger, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sub.created) != 1 {
		t.Fatalf("expected one published context record, got %d", len(sub.created))
	}
	if sub.created[0].SchemaName != "agent.context.v1" {
		t.Fatalf("expected agent.context.v1, got %q", sub.created[0].SchemaName)
	}
}
