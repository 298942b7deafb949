// Package vector abstracts the approximate-nearest-neighbour index over a
// record's embedding column (C1). The default backend is an in-process
// brute-force cosine scan; pluggable backends (Milvus, Postgres-native
// pgvector) are selected by configuration.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rakunlabs/rcrt/internal/config"
)

// Candidate is one scored ANN hit.
type Candidate struct {
	RecordID string
	Score    float64 // cosine similarity, higher is better
}

// Index is the ANN contract every backend implements.
type Index interface {
	// Upsert indexes or re-indexes a record's embedding. A nil vec removes
	// the record from the index.
	Upsert(ctx context.Context, ownerID, recordID string, vec []float32) error
	Delete(ctx context.Context, ownerID, recordID string) error
	// Search returns up to topK candidates within ownerID, ordered by score
	// descending, above the given similarity threshold.
	Search(ctx context.Context, ownerID string, query []float32, topK int, threshold float64) ([]Candidate, error)
}

// New builds the configured backend. Unset/unknown backends fall back to
// brute-force.
func New(cfg config.Vector) (Index, error) {
	switch cfg.Backend {
	case "", "bruteforce":
		return NewBruteForce(), nil
	case "milvus":
		if cfg.Milvus == nil {
			return nil, fmt.Errorf("vector backend milvus requires vector.milvus config")
		}
		return NewMilvus(*cfg.Milvus)
	case "pgvector":
		return nil, fmt.Errorf("vector backend pgvector requires the Postgres store: construct postgres.NewPgVectorIndex(store) instead of vector.New")
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

// BruteForce is the default in-process index: a flat per-tenant map scanned
// linearly on search. Correct for the moderate record counts this core
// targets; swapped for Milvus or pgvector when scale demands it.
type BruteForce struct {
	mu   sync.RWMutex
	rows map[string]map[string][]float32 // owner -> record id -> vec
}

func NewBruteForce() *BruteForce {
	return &BruteForce{rows: make(map[string]map[string][]float32)}
}

func (b *BruteForce) Upsert(_ context.Context, ownerID, recordID string, vec []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if vec == nil {
		if owner, ok := b.rows[ownerID]; ok {
			delete(owner, recordID)
		}
		return nil
	}

	owner, ok := b.rows[ownerID]
	if !ok {
		owner = make(map[string][]float32)
		b.rows[ownerID] = owner
	}
	owner[recordID] = vec

	return nil
}

func (b *BruteForce) Delete(_ context.Context, ownerID, recordID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, ok := b.rows[ownerID]; ok {
		delete(owner, recordID)
	}

	return nil
}

func (b *BruteForce) Search(_ context.Context, ownerID string, query []float32, topK int, threshold float64) ([]Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	owner, ok := b.rows[ownerID]
	if !ok || len(query) == 0 {
		return nil, nil
	}

	out := make([]Candidate, 0, len(owner))
	for id, vec := range owner {
		score := CosineSimilarity(query, vec)
		if score >= threshold {
			out = append(out, Candidate{RecordID: id, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}

	return out, nil
}

// CosineSimilarity returns 0 if either vector is empty or dimensions
// mismatch, rather than panicking — embeddings can be legitimately absent
// after an embedding failure.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 - CosineSimilarity, used by the hybrid-search
// vec_score formula.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
