package tokenest

import (
	"context"
	"testing"

	"github.com/rakunlabs/rcrt/internal/model"
)

type fakeFinder struct {
	calls int
	recs  []*model.Record
	err   error
}

func (f *fakeFinder) FindRecordsBySchemaAndTag(_ context.Context, _, _, _ string, _ int) ([]*model.Record, error) {
	f.calls++
	return f.recs, f.err
}

func TestResolve_ExplicitContextBudgetWins(t *testing.T) {
	r := New(&fakeFinder{}, 0)

	budget, err := r.Resolve(context.Background(), "tenant-a", map[string]any{
		"context_budget": float64(12000),
		"llm_config_id":  "gpt-x",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if budget != 12000 {
		t.Fatalf("expected explicit context_budget to win, got %d", budget)
	}
}

func TestResolve_EmbeddedLLMConfig(t *testing.T) {
	r := New(&fakeFinder{}, 0)

	budget, err := r.Resolve(context.Background(), "tenant-a", map[string]any{
		"llm_config": map[string]any{"context_length": float64(8000)},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if budget != 6000 {
		t.Fatalf("expected 8000*0.75=6000, got %d", budget)
	}
}

func TestResolve_LLMConfigIDLoadsAndCaches(t *testing.T) {
	finder := &fakeFinder{recs: []*model.Record{{
		ID:      "cfg-1",
		Context: map[string]any{"context_length": float64(4000)},
	}}}
	r := New(finder, 0)

	budget, err := r.Resolve(context.Background(), "tenant-a", map[string]any{"llm_config_id": "cfg-1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if budget != 3000 {
		t.Fatalf("expected 4000*0.75=3000, got %d", budget)
	}
	if finder.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", finder.calls)
	}

	if _, err := r.Resolve(context.Background(), "tenant-a", map[string]any{"llm_config_id": "cfg-1"}); err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if finder.calls != 1 {
		t.Fatalf("expected cache hit to avoid a second store call, got %d", finder.calls)
	}
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	r := New(&fakeFinder{}, 7000)

	budget, err := r.Resolve(context.Background(), "tenant-a", map[string]any{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if budget != 7000 {
		t.Fatalf("expected default budget 7000, got %d", budget)
	}
}

func TestResolve_MissingCatalogEntryFallsBackToDefault(t *testing.T) {
	r := New(&fakeFinder{}, 5000)

	budget, err := r.Resolve(context.Background(), "tenant-a", map[string]any{"llm_config_id": "ghost"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if budget != 5000 {
		t.Fatalf("expected default fallback for a missing catalog entry, got %d", budget)
	}
}

func TestInvalidate_ForcesReload(t *testing.T) {
	finder := &fakeFinder{recs: []*model.Record{{
		Context: map[string]any{"context_length": float64(1000)},
	}}}
	r := New(finder, 0)

	if _, err := r.Resolve(context.Background(), "tenant-a", map[string]any{"llm_config_id": "cfg-1"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	r.Invalidate("tenant-a", "cfg-1")

	if _, err := r.Resolve(context.Background(), "tenant-a", map[string]any{"llm_config_id": "cfg-1"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if finder.calls != 2 {
		t.Fatalf("expected invalidate to force a reload, got %d calls", finder.calls)
	}
}

func TestEstimateTokens_NeverBelowByteFloor(t *testing.T) {
	r := New(&fakeFinder{}, 0)

	content := "the quick brown fox jumps over the lazy dog"
	floor := int64((len(content) + 2) / 3)

	if got := r.EstimateTokens(content); got < floor {
		t.Fatalf("EstimateTokens returned %d, below the byte/3 floor of %d", got, floor)
	}
}

func TestEstimateTokens_EmptyContentIsZero(t *testing.T) {
	r := New(&fakeFinder{}, 0)

	if got := r.EstimateTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty content, got %d", got)
	}
}
