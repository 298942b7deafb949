// Package transform implements C4: applying an llm_hints spec to a record's
// JSON context on retrieval. The engine's only state is its compiled-template
// cache; it must be used as a process-wide singleton wrapped for concurrent use — constructing one per
// request is explicitly called out as incorrect.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/tidwall/gjson"

	"github.com/rakunlabs/rcrt/internal/model"
)

// Warning is a non-fatal per-key failure: the key is omitted from the
// result and the caller is told why ("Errors").
type Warning struct {
	Key   string  `json:"key"`
	Error string  `json:"error"`
}

// Engine applies llm_hints and caches compiled templates keyed by
// (schema_name, output-key) so repeat fetches never re-parse.
// Safe for concurrent use; construct exactly once per process.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

func New() *Engine {
	return &Engine{templates: make(map[string]*template.Template)}
}

// Apply renders hints over ctx and returns the resulting context plus any
// per-key warnings. schemaName scopes the template cache.
func (e *Engine) Apply(schemaName string, ctx map[string]any, hints model.LLMHints) (map[string]any, []Warning) {
	filtered := applyIncludeExclude(ctx, hints.Include, hints.Exclude)

	if len(hints.Transform) == 0 {
		return filtered, nil
	}

	var warnings []Warning
	transformed := make(map[string]any, len(hints.Transform))

	// Deterministic iteration order keeps output stable across calls with
	// identical input, which the assembler's idempotence guarantee depends on.
	keys := make([]string, 0, len(hints.Transform))
	for k := range hints.Transform {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule := hints.Transform[key]
		val, err := e.applyRule(schemaName, key, filtered, rule)
		if err != nil {
			warnings = append(warnings, Warning{Key: key, Error: err.Error()})
			continue
		}
		transformed[key] = val
	}

	switch hints.Mode {
	case "merge":
		out := make(map[string]any, len(filtered)+len(transformed))
		for k, v := range filtered {
			out[k] = v
		}
		for k, v := range transformed {
			out[k] = v
		}
		return out, warnings
	default: // "replace" is the default mode
		return transformed, warnings
	}
}

func (e *Engine) applyRule(schemaName, key string, ctx map[string]any, rule model.LLMHintRule) (any, error) {
	switch {
	case rule.Template != "":
		return e.applyTemplate(schemaName, key, rule.Template, ctx)
	case rule.Extract != "":
		return applyExtract(rule.Extract, ctx), nil
	case rule.Format != "":
		return applyFormat(rule.Format, ctx), nil
	case rule.Jq != "":
		return nil, fmt.Errorf("jq transform rule is unimplemented")
	case rule.Literal != nil:
		return rule.Literal, nil
	default:
		return nil, fmt.Errorf("rule has no recognised form")
	}
}

// applyTemplate renders a Handlebars-style template with the context
// wrapped as {context: ctx}, converting simple {{field}} references to Go's
// {{.field}} — the same convenience conversion the prompt-rendering node
// this engine descends from uses.
func (e *Engine) applyTemplate(schemaName, key, tmplText string, ctx map[string]any) (string, error) {
	cacheKey := schemaName + "\x00" + key

	e.mu.RLock()
	tmpl, ok := e.templates[cacheKey]
	e.mu.RUnlock()

	if !ok {
		converted := convertMustache(tmplText)

		parsed, err := template.New(cacheKey).Parse(converted)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}

		e.mu.Lock()
		// Duplicate compiles collapse: re-check under the write lock.
		if existing, ok := e.templates[cacheKey]; ok {
			tmpl = existing
		} else {
			e.templates[cacheKey] = parsed
			tmpl = parsed
		}
		e.mu.Unlock()
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"context": ctx}); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return buf.String(), nil
}

// convertMustache converts simple {{field}} syntax to Go template
// {{.field}}, leaving already-dotted references and control keywords
// unchanged.
func convertMustache(s string) string {
	var result []byte
	i := 0
	for i < len(s) {
		if i+2 < len(s) && s[i] == '{' && s[i+1] == '{' {
			end := -1
			for j := i + 2; j < len(s)-1; j++ {
				if s[j] == '}' && s[j+1] == '}' {
					end = j
					break
				}
			}
			if end >= 0 {
				inner := strings.TrimSpace(s[i+2 : end])
				if inner != "" && inner[0] != '.' && inner[0] != '$' &&
					!strings.HasPrefix(inner, "range") &&
					!strings.HasPrefix(inner, "if") &&
					!strings.HasPrefix(inner, "end") &&
					!strings.HasPrefix(inner, "else") &&
					!strings.HasPrefix(inner, "with") &&
					!strings.HasPrefix(inner, "block") &&
					!strings.HasPrefix(inner, "define") &&
					!strings.HasPrefix(inner, "template") {
					result = append(result, '{', '{', '.')
					result = append(result, []byte(inner)...)
					result = append(result, '}', '}')
					i = end + 2
					continue
				}
			}
		}
		result = append(result, s[i])
		i++
	}
	return string(result)
}

// applyExtract runs a JSONPath-ish dotted/array expression over ctx,
// returning a single value if unique, an array otherwise, nil if empty.
func applyExtract(path string, ctx map[string]any) any {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}

	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil
	}
	if result.IsArray() {
		var arr []any
		for _, r := range result.Array() {
			arr = append(arr, r.Value())
		}
		switch len(arr) {
		case 0:
			return nil
		case 1:
			return arr[0]
		}
		return arr
	}

	return result.Value()
}

// applyFormat does simple {field} interpolation over top-level fields.
func applyFormat(format string, ctx map[string]any) string {
	var buf strings.Builder
	i := 0
	for i < len(format) {
		if format[i] == '{' {
			end := strings.IndexByte(format[i:], '}')
			if end >= 0 {
				field := format[i+1 : i+end]
				if v, ok := ctx[field]; ok {
					fmt.Fprintf(&buf, "%v", v)
				}
				i += end + 1
				continue
			}
		}
		buf.WriteByte(format[i])
		i++
	}
	return buf.String()
}

// applyIncludeExclude filters ctx by dot-path include/exclude lists,
// recursing into nested objects for exclusions.
func applyIncludeExclude(ctx map[string]any, include, exclude []string) map[string]any {
	out := ctx

	if len(include) > 0 {
		filtered := make(map[string]any, len(include))
		for _, path := range include {
			if v, ok := lookupPath(ctx, path); ok {
				setPath(filtered, path, v)
			}
		}
		out = filtered
	}

	for _, path := range exclude {
		out = deleteCopy(out, strings.Split(path, "."))
	}

	return out
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}

func deleteCopy(m map[string]any, parts []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	if len(parts) == 0 {
		return out
	}
	head := parts[0]
	if len(parts) == 1 {
		delete(out, head)
		return out
	}

	if nested, ok := out[head].(map[string]any); ok {
		out[head] = deleteCopy(nested, parts[1:])
	}

	return out
}

// Projection builds the text projection shared by C2's embedder and C7's
// entity-keyword extractor: title + description + the stringified
// LLM-facing view of the context, so embeddings and keyword extraction
// both reflect the same surface a human or agent would actually read.
// Callers own hints lookup (schemacache has no business here) and must
// pass a context safe for Apply to mutate — a fresh copy, not the live
// record's map. A zero-value hints (unknown schema) renders ctx
// unfiltered, which is the desired fallback.
func (e *Engine) Projection(schemaName, title, description string, ctx map[string]any, hints model.LLMHints) string {
	applied, _ := e.Apply(schemaName, ctx, hints)

	rendered, err := json.Marshal(applied)
	if err != nil {
		rendered = []byte("{}")
	}

	return title + " " + description + " " + string(rendered)
}
