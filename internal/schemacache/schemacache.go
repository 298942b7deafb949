// Package schemacache implements C3: a per-schema_name cache of the
// llm_hints transform spec carried by schema.def.v1 meta-records. A miss
// runs one store query for records of schema schema.def.v1 tagged
// defines:<schema_name>; a hit returns the cached, already-parsed hints.
//
// The cache is monotone — stale-but-present is preferred to a stall — and
// is invalidated either by an explicit Invalidate call (wired to a cluster
// broadcast) or by process restart. It is safe for concurrent readers and
// a single writer per key.
package schemacache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rakunlabs/rcrt/internal/model"
)

// RecordFinder is the subset of the store contract C3 needs: looking up
// schema.def.v1 records tagged defines:<schema_name> for one tenant.
type RecordFinder interface {
	FindRecordsBySchemaAndTag(ctx context.Context, ownerID, schemaName, tag string, limit int) ([]*model.Record, error)
}

// Broadcaster fans an invalidation out to other cluster peers. Nil in
// single-instance deployments.
type Broadcaster interface {
	BroadcastSchemaInvalidate(ctx context.Context, schemaName string) error
}

// entry is one cached schema's parsed hints, scoped to the owner that
// resolved it — hints are tenant-local since schema.def.v1 records live
// inside a tenant like any other record.
type entry struct {
	hints model.LLMHints
	found bool
}

type cacheKey struct {
	ownerID    string
	schemaName string
}

// Cache is C3's schema-definition cache. Construct exactly once per
// process and share it; a per-request cache defeats the entire point.
type Cache struct {
	store   RecordFinder
	cluster Broadcaster

	mu      sync.RWMutex
	entries map[cacheKey]entry
}

func New(store RecordFinder, cluster Broadcaster) *Cache {
	return &Cache{
		store:   store,
		cluster: cluster,
		entries: make(map[cacheKey]entry),
	}
}

// Hints returns the llm_hints for schemaName under ownerID, loading it
// lazily from the substrate on a miss. A schema with no schema.def.v1
// definition is a cache hit too (found=false is memoized) so that every
// fetch for an undefined schema doesn't re-query the store.
func (c *Cache) Hints(ctx context.Context, ownerID, schemaName string) (model.LLMHints, bool, error) {
	key := cacheKey{ownerID: ownerID, schemaName: schemaName}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e.hints, e.found, nil
	}

	hints, found, err := c.load(ctx, ownerID, schemaName)
	if err != nil {
		// A load failure leaves the key uncached rather than memoizing a
		// transient error — the next fetch gets another chance.
		return model.LLMHints{}, false, err
	}

	c.mu.Lock()
	c.entries[key] = entry{hints: hints, found: found}
	c.mu.Unlock()

	return hints, found, nil
}

func (c *Cache) load(ctx context.Context, ownerID, schemaName string) (model.LLMHints, bool, error) {
	recs, err := c.store.FindRecordsBySchemaAndTag(ctx, ownerID, "schema.def.v1", "defines:"+schemaName, 1)
	if err != nil {
		return model.LLMHints{}, false, fmt.Errorf("load schema def for %q: %w", schemaName, err)
	}
	if len(recs) == 0 {
		return model.LLMHints{}, false, nil
	}

	raw, ok := recs[0].Context["llm_hints"]
	if !ok {
		return model.LLMHints{}, false, nil
	}

	// Context values arrive as map[string]any from JSON decode; round-trip
	// through json to land on the typed LLMHints shape.
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.LLMHints{}, false, fmt.Errorf("marshal llm_hints for %q: %w", schemaName, err)
	}
	var hints model.LLMHints
	if err := json.Unmarshal(buf, &hints); err != nil {
		return model.LLMHints{}, false, fmt.Errorf("parse llm_hints for %q: %w", schemaName, err)
	}

	return hints, true, nil
}

// Invalidate drops one schema's cached entry for every tenant that has
// resolved it, and — if a cluster is attached — broadcasts the
// invalidation so peers drop their own copy. The record write path does
// not call it: creating or updating a schema.def.v1 record leaves the
// cached entry in place.
func (c *Cache) Invalidate(ctx context.Context, schemaName string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.schemaName == schemaName {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	slog.Info("schema cache invalidated", "schema_name", schemaName)

	if c.cluster == nil {
		return
	}
	if err := c.cluster.BroadcastSchemaInvalidate(ctx, schemaName); err != nil {
		slog.Error("broadcast schema cache invalidation", "schema_name", schemaName, "error", err)
	}
}

// InvalidateAll drops every cached entry, for a schemaName == "" broadcast
// received from a peer or an administrative full-flush request.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]entry)
	c.mu.Unlock()

	slog.Info("schema cache fully invalidated")
}

// OnClusterInvalidate is the callback passed to cluster.Start's
// onSchemaInvalidate parameter: an empty schemaName means flush
// everything, otherwise drop just that schema across all tenants.
func (c *Cache) OnClusterInvalidate(schemaName string) {
	if schemaName == "" {
		c.InvalidateAll()
		return
	}

	c.mu.Lock()
	for key := range c.entries {
		if key.schemaName == schemaName {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	slog.Info("schema cache invalidated from peer", "schema_name", schemaName)
}
