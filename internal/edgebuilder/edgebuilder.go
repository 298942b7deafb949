// Package edgebuilder implements C8: it consumes created-record events and
// asynchronously writes zero or more typed edges — causal, tag, temporal,
// semantic — into the graph the assembler (C9) later walks. Edge writes
// never block record creation; a failure here costs connectivity, not
// correctness.
package edgebuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/vector"
)

// Store is the subset of the storage contract (C1) the edge builder needs.
type Store interface {
	GetRecord(ctx context.Context, ownerID, recordID string) (*model.Record, error)
	InsertEdgesBulk(ctx context.Context, edges []model.Edge) error
	TagNeighbors(ctx context.Context, ownerID, tag, excludeID string, limit int) ([]string, error)
	SessionNeighbors(ctx context.Context, ownerID, sessionTag, excludeID string, since time.Time, limit int) ([]string, error)
}

// Worker is C8.
type Worker struct {
	store Store
	index vector.Index
	cfg   config.EdgeBuilder
}

func New(st Store, index vector.Index, cfg config.EdgeBuilder) *Worker {
	return &Worker{store: st, index: index, cfg: cfg}
}

// Run consumes created-record envelopes until the channel closes or ctx is
// cancelled. Update/delete events carry no new connectivity and are
// ignored — edges for a record are built once, at creation.
func (w *Worker) Run(ctx context.Context, events <-chan *model.EventEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			if env.Type != model.EventCreated {
				continue
			}
			if err := w.handle(ctx, env); err != nil {
				if errors.Is(err, rcrterr.ErrNotFound) {
					continue
				}
				slog.Error("edge builder: process record", "owner", env.Owner, "record_id", env.RecordID, "error", err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, env *model.EventEnvelope) error {
	rec, err := w.store.GetRecord(ctx, env.Owner, env.RecordID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	now := time.Now().UTC()

	var edges []model.Edge
	edges = append(edges, w.causalEdges(rec, now)...)
	edges = append(edges, w.tagEdges(ctx, rec, now)...)
	edges = append(edges, w.temporalEdges(ctx, rec, now)...)

	semantic, err := w.semanticEdges(ctx, rec, now)
	if err != nil {
		slog.Error("edge builder: semantic edges", "record_id", rec.ID, "error", err)
	} else {
		edges = append(edges, semantic...)
	}

	if len(edges) == 0 {
		return nil
	}

	// One bulk insert per new record — duplicate (from, to, type) tuples
	// across a later rebuild are tolerated at the store layer; newest wins.
	if err := w.store.InsertEdgesBulk(ctx, edges); err != nil {
		return fmt.Errorf("insert edges for %s: %w", rec.ID, err)
	}
	return nil
}

// causalWeight is the weight stamped on causal edges. Their traversal cost,
// per model.EdgeType.TraversalCost, is fixed regardless of weight; the
// weight itself is still carried for display/ranking.
const causalWeight = 0.95

// causalEdges links a record that carries trigger_event_id back to the
// record that triggered it — the strongest, narrowest relationship.
func (w *Worker) causalEdges(rec *model.Record, now time.Time) []model.Edge {
	triggerID, _ := rec.Context["trigger_event_id"].(string)
	if triggerID == "" {
		return nil
	}
	return []model.Edge{
		newEdge(rec.OwnerID, triggerID, rec.ID, model.EdgeCausal, causalWeight, now),
	}
}

const (
	tagWeightSession = 0.9
	tagWeightPlain   = 0.6
)

// tagEdges links rec to up to TagNeighborLimit other records sharing each
// of its tags, in both directions — a session tag is weighted higher than
// a plain pointer tag since it denotes the same working context.
func (w *Worker) tagEdges(ctx context.Context, rec *model.Record, now time.Time) []model.Edge {
	limit := w.cfg.TagNeighborLimit
	if limit <= 0 {
		limit = 10
	}

	var edges []model.Edge
	for _, tag := range rec.Tags {
		neighbors, err := w.store.TagNeighbors(ctx, rec.OwnerID, tag, rec.ID, limit)
		if err != nil {
			slog.Error("edge builder: tag neighbors", "record_id", rec.ID, "tag", tag, "error", err)
			continue
		}

		weight := tagWeightPlain
		if strings.HasPrefix(tag, "session:") {
			weight = tagWeightSession
		}

		for _, neighborID := range neighbors {
			edges = append(edges,
				newEdge(rec.OwnerID, rec.ID, neighborID, model.EdgeTag, weight, now),
				newEdge(rec.OwnerID, neighborID, rec.ID, model.EdgeTag, weight, now),
			)
		}
	}
	return edges
}

const (
	temporalWeightMax = 0.8
	temporalWeightMin = 0.3
)

// temporalEdges links rec to other records bearing the same session tag
// within the configured window, decaying weight by recency: the most
// recent neighbour gets temporalWeightMax, the oldest within the window
// gets temporalWeightMin.
func (w *Worker) temporalEdges(ctx context.Context, rec *model.Record, now time.Time) []model.Edge {
	sessionTag := sessionTagOf(rec)
	if sessionTag == "" {
		return nil
	}

	window := w.cfg.TemporalWindow
	if window <= 0 {
		window = time.Hour
	}
	limit := w.cfg.SessionTagLimit
	if limit <= 0 {
		limit = 10
	}

	neighbors, err := w.store.SessionNeighbors(ctx, rec.OwnerID, sessionTag, rec.ID, now.Add(-window), limit)
	if err != nil {
		slog.Error("edge builder: session neighbors", "record_id", rec.ID, "session_tag", sessionTag, "error", err)
		return nil
	}

	n := len(neighbors)
	if n == 0 {
		return nil
	}

	var edges []model.Edge
	for i, neighborID := range neighbors {
		weight := temporalWeightMax
		if n > 1 {
			weight = temporalWeightMax - (temporalWeightMax-temporalWeightMin)*float64(i)/float64(n-1)
		}
		// neighbors arrive newest-first; the edge points from the earlier
		// record to the newer one it precedes.
		edges = append(edges, newEdge(rec.OwnerID, neighborID, rec.ID, model.EdgeTemporal, weight, now))
	}
	return edges
}

// semanticEdges links rec to its nearest embedding neighbours above the
// configured similarity floor, in both directions.
func (w *Worker) semanticEdges(ctx context.Context, rec *model.Record, now time.Time) ([]model.Edge, error) {
	if w.index == nil || len(rec.Embedding) == 0 {
		return nil, nil
	}

	topK := w.cfg.SemanticTopK
	if topK <= 0 {
		topK = 5
	}
	threshold := w.cfg.SemanticThreshold
	if threshold <= 0 {
		threshold = 0.75
	}

	// Request one extra slot since the record's own embedding, already
	// indexed by the time this event is processed, will match itself.
	candidates, err := w.index.Search(ctx, rec.OwnerID, rec.Embedding, topK+1, threshold)
	if err != nil {
		return nil, fmt.Errorf("semantic search for %s: %w", rec.ID, err)
	}

	var edges []model.Edge
	for _, c := range candidates {
		if c.RecordID == rec.ID {
			continue
		}
		edges = append(edges,
			newEdge(rec.OwnerID, rec.ID, c.RecordID, model.EdgeSemantic, c.Score, now),
			newEdge(rec.OwnerID, c.RecordID, rec.ID, model.EdgeSemantic, c.Score, now),
		)
		if len(edges) >= topK*2 {
			break
		}
	}
	return edges, nil
}

func sessionTagOf(rec *model.Record) string {
	for _, tag := range rec.Tags {
		if strings.HasPrefix(tag, "session:") {
			return tag
		}
	}
	return ""
}

func newEdge(ownerID, fromID, toID string, edgeType model.EdgeType, weight float64, createdAt time.Time) model.Edge {
	return model.Edge{
		OwnerID:   ownerID,
		FromID:    fromID,
		ToID:      toID,
		EdgeType:  edgeType,
		Weight:    weight,
		CreatedAt: createdAt,
	}
}
