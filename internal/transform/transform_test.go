package transform

import (
	"strings"
	"sync"
	"testing"

	"github.com/rakunlabs/rcrt/internal/model"
)

func TestApply_NoTransform_ReturnsFilteredContext(t *testing.T) {
	e := New()

	out, warnings := e.Apply("note.v1", map[string]any{"title": "a", "body": "b"}, model.LLMHints{})
	if warnings != nil {
		t.Fatalf("expected no warnings, got %+v", warnings)
	}
	if out["title"] != "a" || out["body"] != "b" {
		t.Fatalf("expected the context unchanged, got %+v", out)
	}
}

func TestApply_ReplaceMode_DropsUntransformedKeys(t *testing.T) {
	e := New()

	out, warnings := e.Apply("note.v1", map[string]any{"title": "a", "body": "b"}, model.LLMHints{
		Transform: map[string]model.LLMHintRule{
			"summary": {Literal: "fixed"},
		},
	})
	if warnings != nil {
		t.Fatalf("expected no warnings, got %+v", warnings)
	}
	if len(out) != 1 || out["summary"] != "fixed" {
		t.Fatalf("expected replace mode to keep only transformed keys, got %+v", out)
	}
}

func TestApply_MergeMode_KeepsFilteredAndTransformed(t *testing.T) {
	e := New()

	out, warnings := e.Apply("note.v1", map[string]any{"title": "a", "body": "b"}, model.LLMHints{
		Mode: "merge",
		Transform: map[string]model.LLMHintRule{
			"summary": {Literal: "fixed"},
			"title":   {Literal: "overridden"},
		},
	})
	if warnings != nil {
		t.Fatalf("expected no warnings, got %+v", warnings)
	}
	if out["title"] != "overridden" {
		t.Fatalf("expected transform keys to win over filtered context, got %+v", out)
	}
	if out["body"] != "b" {
		t.Fatalf("expected merge mode to keep untouched filtered keys, got %+v", out)
	}
	if out["summary"] != "fixed" {
		t.Fatalf("expected merge mode to add new transform keys, got %+v", out)
	}
}

func TestApply_IncludeExclude(t *testing.T) {
	e := New()

	ctx := map[string]any{
		"title": "a",
		"meta":  map[string]any{"secret": "s", "public": "p"},
	}
	out, _ := e.Apply("note.v1", ctx, model.LLMHints{
		Include: []string{"title", "meta"},
		Exclude: []string{"meta.secret"},
	})

	if out["title"] != "a" {
		t.Fatalf("expected title to survive include, got %+v", out)
	}
	meta, ok := out["meta"].(map[string]any)
	if !ok {
		t.Fatalf("expected meta to survive include as a map, got %+v", out)
	}
	if _, ok := meta["secret"]; ok {
		t.Fatalf("expected meta.secret to be excluded, got %+v", meta)
	}
	if meta["public"] != "p" {
		t.Fatalf("expected meta.public to survive, got %+v", meta)
	}
}

func TestApplyRule_Literal(t *testing.T) {
	e := New()

	val, err := e.applyRule("note.v1", "k", map[string]any{}, model.LLMHintRule{Literal: float64(42)})
	if err != nil {
		t.Fatalf("applyRule: %v", err)
	}
	if val != float64(42) {
		t.Fatalf("expected literal 42, got %v", val)
	}
}

func TestApplyRule_Jq_Unimplemented(t *testing.T) {
	e := New()

	_, err := e.applyRule("note.v1", "k", map[string]any{}, model.LLMHintRule{Jq: ".title"})
	if err == nil {
		t.Fatal("expected the jq rule to return an error")
	}
	if !strings.Contains(err.Error(), "unimplemented") {
		t.Fatalf("expected an unimplemented error, got %v", err)
	}
}

func TestApplyRule_Extract(t *testing.T) {
	e := New()

	ctx := map[string]any{"items": []any{map[string]any{"id": "x"}, map[string]any{"id": "y"}}}
	val, err := e.applyRule("note.v1", "k", ctx, model.LLMHintRule{Extract: "items.#.id"})
	if err != nil {
		t.Fatalf("applyRule: %v", err)
	}
	ids, ok := val.([]any)
	if !ok || len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Fatalf("expected extracted ids [x y], got %+v", val)
	}
}

func TestApplyRule_Format(t *testing.T) {
	e := New()

	val, err := e.applyRule("note.v1", "k", map[string]any{"name": "ada"}, model.LLMHintRule{Format: "hello {name}"})
	if err != nil {
		t.Fatalf("applyRule: %v", err)
	}
	if val != "hello ada" {
		t.Fatalf("expected formatted string, got %v", val)
	}
}

func TestApplyRule_NoRecognisedForm(t *testing.T) {
	e := New()

	_, err := e.applyRule("note.v1", "k", map[string]any{}, model.LLMHintRule{})
	if err == nil {
		t.Fatal("expected an error for a rule with no recognised form")
	}
}

func TestApplyTemplate_MustacheConversion(t *testing.T) {
	e := New()

	ctx := map[string]any{"title": "hello"}
	out, err := e.applyTemplate("note.v1", "k", "{{context.title}} world", ctx)
	if err != nil {
		t.Fatalf("applyTemplate: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("expected mustache-style field to resolve, got %q", out)
	}
}

func TestApplyTemplate_CacheCollapsesDuplicateCompiles(t *testing.T) {
	e := New()

	if _, err := e.applyTemplate("note.v1", "k", "{{title}}", map[string]any{"title": "a"}); err != nil {
		t.Fatalf("applyTemplate: %v", err)
	}
	cached := e.templates["note.v1\x00k"]
	if cached == nil {
		t.Fatal("expected the compiled template to be cached")
	}

	if _, err := e.applyTemplate("note.v1", "k", "{{title}}", map[string]any{"title": "b"}); err != nil {
		t.Fatalf("applyTemplate: %v", err)
	}
	if e.templates["note.v1\x00k"] != cached {
		t.Fatal("expected the second call to reuse the cached template, not recompile it")
	}
}

func TestApplyTemplate_ConcurrentCompilesCollapseToOne(t *testing.T) {
	e := New()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = e.applyTemplate("note.v1", "k", "{{title}}", map[string]any{"title": "a"})
		}()
	}
	wg.Wait()

	if len(e.templates) != 1 {
		t.Fatalf("expected exactly one cached template after concurrent compiles, got %d", len(e.templates))
	}
}

func TestProjection_UnknownSchemaRendersContextUnfiltered(t *testing.T) {
	e := New()

	text := e.Projection("", "title", "desc", map[string]any{"a": "b"}, model.LLMHints{})
	if !strings.HasPrefix(text, "title desc ") {
		t.Fatalf("expected title+description prefix, got %q", text)
	}
	if !strings.Contains(text, `"a":"b"`) {
		t.Fatalf("expected the unfiltered context to be rendered, got %q", text)
	}
}

func TestProjection_AppliesTransform(t *testing.T) {
	e := New()

	text := e.Projection("note.v1", "title", "desc", map[string]any{"a": "b"}, model.LLMHints{
		Transform: map[string]model.LLMHintRule{
			"summary": {Literal: "s"},
		},
	})
	if strings.Contains(text, `"a":"b"`) {
		t.Fatalf("expected replace mode to drop the untransformed field, got %q", text)
	}
	if !strings.Contains(text, `"summary":"s"`) {
		t.Fatalf("expected the transformed field to be rendered, got %q", text)
	}
}
