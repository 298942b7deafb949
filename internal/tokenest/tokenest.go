// Package tokenest implements C10: it turns an agent def's LLM
// configuration reference into a concrete token budget for the assembler
// (C9), caching the resolved value per config id so a busy agent doesn't
// re-read its model catalog entry on every trigger.
package tokenest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rakunlabs/rcrt/internal/model"
)

// RecordFinder is the subset of the storage contract (C1) needed to look
// up a models.catalog.v1 entry by its id tag.
type RecordFinder interface {
	FindRecordsBySchemaAndTag(ctx context.Context, ownerID, schemaName, tag string, limit int) ([]*model.Record, error)
}

type cacheKey struct {
	ownerID  string
	configID string
}

// Resolver is C10.
type Resolver struct {
	store         RecordFinder
	defaultBudget int64
	encoding      *tiktoken.Tiktoken

	mu    sync.RWMutex
	cache map[cacheKey]int64
}

func New(store RecordFinder, defaultBudget int64) *Resolver {
	if defaultBudget <= 0 {
		defaultBudget = 50000
	}
	// cl100k_base is the encoding family shared by the model lineups this
	// catalog is expected to carry; a load failure just means every
	// estimate stays at the byte/3 floor.
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		encoding = nil
	}
	return &Resolver{
		store:         store,
		defaultBudget: defaultBudget,
		encoding:      encoding,
		cache:         make(map[cacheKey]int64),
	}
}

// EstimateTokens returns the token count for a formatted context string.
// byte_length/3 is the normative floor; when a BPE tokenizer is loaded,
// its count is used instead whenever it comes out no lower than that
// floor, per the never-under-count requirement.
func (r *Resolver) EstimateTokens(content string) int64 {
	floor := (int64(len(content)) + 2) / 3
	if r.encoding == nil {
		return floor
	}

	bpe := int64(len(r.encoding.Encode(content, nil, nil)))
	if bpe < floor {
		return floor
	}
	return bpe
}

// Resolve reads agentCtx — the agent.def.v1 record's context map — and
// returns a token budget, trying in order: an explicit context_budget on
// the agent def, an embedded llm_config's context_length, a
// llm_config_id lookup against models.catalog.v1 (cached), and finally
// the configured default.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, agentCtx map[string]any) (int64, error) {
	if budget, ok := numberFrom(agentCtx["context_budget"]); ok {
		return int64(budget), nil
	}

	if embedded, ok := agentCtx["llm_config"].(map[string]any); ok {
		if length, ok := numberFrom(embedded["context_length"]); ok {
			return int64(length * 0.75), nil
		}
	}

	configID, _ := agentCtx["llm_config_id"].(string)
	if configID == "" {
		return r.defaultBudget, nil
	}

	key := cacheKey{ownerID: ownerID, configID: configID}

	r.mu.RLock()
	if budget, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return budget, nil
	}
	r.mu.RUnlock()

	budget, err := r.load(ctx, ownerID, configID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.cache[key] = budget
	r.mu.Unlock()

	return budget, nil
}

func (r *Resolver) load(ctx context.Context, ownerID, configID string) (int64, error) {
	recs, err := r.store.FindRecordsBySchemaAndTag(ctx, ownerID, "models.catalog.v1", "id:"+configID, 1)
	if err != nil {
		return 0, fmt.Errorf("load model catalog entry %q: %w", configID, err)
	}
	if len(recs) == 0 {
		return r.defaultBudget, nil
	}

	length, ok := numberFrom(recs[0].Context["context_length"])
	if !ok {
		return r.defaultBudget, nil
	}
	return int64(length * 0.75), nil
}

// Invalidate drops a cached budget, e.g. after a models.catalog.v1 record
// is updated with a new context_length.
func (r *Resolver) Invalidate(ownerID, configID string) {
	r.mu.Lock()
	delete(r.cache, cacheKey{ownerID: ownerID, configID: configID})
	r.mu.Unlock()
}

// numberFrom accepts the handful of numeric shapes a JSON-decoded context
// map can carry.
func numberFrom(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
