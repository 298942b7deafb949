package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/rakunlabs/rcrt/internal/vector"
)

// CreateInput is the create-record request body ("POST /records").
type CreateInput struct {
	SchemaName  string
	Title       string
	Context     map[string]any
	Tags        []string
	Visibility  model.Visibility
	Sensitivity model.Sensitivity
	TTL         *time.Time
	// LLMHints, if set, is stored as this record's own context["llm_hints"]
	// override — consulted ahead of the C3 schema-definition cache when
	// present (see DESIGN.md's Open Question decision for the rationale).
	LLMHints *model.LLMHints
}

// CreateRecord computes the text projection and embedding, persists the
// row, appends history, and emits a created event.
// A replayed idempotencyKey with an identical payload returns the
// original record instead of creating a duplicate; a replay with a
// different payload is an idempotency conflict.
func (s *Substrate) CreateRecord(ctx context.Context, identity model.Identity, input CreateInput, idempotencyKey string) (*model.Record, error) {
	if input.Title == "" {
		return nil, rcrterr.BadRequest("title is required")
	}
	if input.Visibility == "" {
		input.Visibility = model.VisibilityTeam
	}
	if input.Sensitivity == "" {
		input.Sensitivity = model.SensitivityLow
	}

	ctxCopy := deepCopyContext(input.Context)
	if ctxCopy == nil {
		ctxCopy = map[string]any{}
	}
	if input.LLMHints != nil {
		raw, err := hintsToAny(*input.LLMHints)
		if err != nil {
			return nil, rcrterr.BadRequest("encode llm_hints: %v", err)
		}
		ctxCopy["llm_hints"] = raw
	}

	sum := checksum(input.Title, ctxCopy, input.Tags)

	if idempotencyKey != "" {
		if existing, ok := s.checkIdempotency(identity.OwnerID, idempotencyKey, sum); ok {
			return s.GetRecord(ctx, identity.OwnerID, existing.recordID)
		}
		// checkIdempotency has already dropped an expired entry, so one still
		// held here is live and was stored for a different payload.
		s.idemMu.Lock()
		prior, held := s.idemSeen[identity.OwnerID+"\x00"+idempotencyKey]
		s.idemMu.Unlock()
		if held && prior.checksum != sum {
			return nil, rcrterr.IdempotencyConflict(idempotencyKey)
		}
	}

	now := time.Now().UTC()
	rec := &model.Record{
		ID:          newULID(),
		OwnerID:     identity.OwnerID,
		AuthorID:    identity.Subject,
		Title:       input.Title,
		Context:     ctxCopy,
		Tags:        input.Tags,
		Visibility:  input.Visibility,
		Sensitivity: input.Sensitivity,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   identity.Subject,
		UpdatedBy:   identity.Subject,
		Checksum:    sum,
	}
	if input.SchemaName != "" {
		rec.SchemaName.V, rec.SchemaName.Valid = input.SchemaName, true
	}
	if input.TTL != nil {
		rec.TTL.V.Time, rec.TTL.Valid = *input.TTL, true
	}

	projection, err := s.textProjection(ctx, input.SchemaName, rec)
	if err != nil {
		return nil, fmt.Errorf("build text projection: %w", err)
	}
	rec.SizeBytes = int64(len(projection))

	// Embedding failures never block creation: the record is stored with a
	// nil vector. No backfill re-embeds it; internal/entityworker's startup
	// backfill fills entity_keywords only.
	if s.embedder != nil {
		vec, embedErr := s.embedder.Embed(ctx, projection)
		if embedErr != nil {
			embedErr = fmt.Errorf("embed text projection: %w", embedErr)
			logEmbedFailure(rec.ID, embedErr)
		} else {
			rec.Embedding = vec
		}
	}

	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	if s.index != nil && rec.Embedding != nil {
		if err := s.index.Upsert(ctx, rec.OwnerID, rec.ID, rec.Embedding); err != nil {
			logEmbedFailure(rec.ID, fmt.Errorf("index upsert: %w", err))
		}
	}

	if err := s.store.AppendHistory(ctx, &model.HistoryRow{
		RecordID:  rec.ID, Version: rec.Version, Context: rec.Context,
		UpdatedAt: rec.UpdatedAt, UpdatedBy: rec.UpdatedBy, Checksum: rec.Checksum,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	if idempotencyKey != "" {
		s.rememberIdempotency(identity.OwnerID, idempotencyKey, sum, rec.ID, rec.Version)
	}

	s.publish(rec, model.EventCreated)

	return rec, nil
}

// UpdateInput is the partial-update request body ("PATCH /records/{id}").
// Fields left nil are unchanged.
type UpdateInput struct {
	Title       *string
	Context     map[string]any
	Tags        []string
	Visibility  *model.Visibility
	Sensitivity *model.Sensitivity
	TTL         *time.Time
}

// UpdateRecord applies a CAS update: ifMatchVersion must equal the
// record's current version or the update fails with a version conflict.
// The embedding is recomputed only if the projected text actually changed.
func (s *Substrate) UpdateRecord(ctx context.Context, identity model.Identity, recordID string, input UpdateInput, ifMatchVersion int64) (*model.Record, error) {
	if ifMatchVersion <= 0 {
		return nil, rcrterr.ErrPreconditionMissing
	}

	rec, err := s.store.GetRecordVisible(ctx, identity.OwnerID, identity.Subject, recordID, identity.IsCurator())
	if err != nil {
		return nil, err
	}

	oldProjection, err := s.textProjection(ctx, schemaNameOf(rec), rec)
	if err != nil {
		return nil, fmt.Errorf("build previous text projection: %w", err)
	}

	if input.Title != nil {
		rec.Title = *input.Title
	}
	if input.Context != nil {
		rec.Context = deepCopyContext(input.Context)
	}
	if input.Tags != nil {
		rec.Tags = input.Tags
	}
	if input.Visibility != nil {
		rec.Visibility = *input.Visibility
	}
	if input.Sensitivity != nil {
		rec.Sensitivity = *input.Sensitivity
	}
	if input.TTL != nil {
		rec.TTL.V.Time, rec.TTL.Valid = *input.TTL, true
	}

	rec.Checksum = checksum(rec.Title, rec.Context, rec.Tags)
	rec.UpdatedAt = time.Now().UTC()
	rec.UpdatedBy = identity.Subject

	newProjection, err := s.textProjection(ctx, schemaNameOf(rec), rec)
	if err != nil {
		return nil, fmt.Errorf("build new text projection: %w", err)
	}
	rec.SizeBytes = int64(len(newProjection))

	if newProjection != oldProjection && s.embedder != nil {
		vec, embedErr := s.embedder.Embed(ctx, newProjection)
		if embedErr != nil {
			logEmbedFailure(rec.ID, fmt.Errorf("re-embed on update: %w", embedErr))
		} else {
			rec.Embedding = vec
			if s.index != nil {
				if err := s.index.Upsert(ctx, rec.OwnerID, rec.ID, vec); err != nil {
					logEmbedFailure(rec.ID, fmt.Errorf("index upsert on update: %w", err))
				}
			}
		}
	}

	if err := s.store.UpdateRecord(ctx, rec, ifMatchVersion); err != nil {
		return nil, err
	}

	if err := s.store.AppendHistory(ctx, &model.HistoryRow{
		RecordID:  rec.ID, Version: rec.Version, Context: rec.Context,
		UpdatedAt: rec.UpdatedAt, UpdatedBy: rec.UpdatedBy, Checksum: rec.Checksum,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	s.publish(rec, model.EventUpdated)

	return rec, nil
}

// DeleteRecord removes a record and emits a deleted event. Tenancy is
// enforced by the store; callers must have already checked ACL/role for
// the delete action at the HTTP layer.
func (s *Substrate) DeleteRecord(ctx context.Context, ownerID, recordID string) error {
	rec, err := s.store.GetRecord(ctx, ownerID, recordID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteRecord(ctx, ownerID, recordID); err != nil {
		return err
	}

	if s.index != nil {
		if err := s.index.Delete(ctx, ownerID, recordID); err != nil {
			logEmbedFailure(recordID, fmt.Errorf("index delete: %w", err))
		}
	}

	s.publish(rec, model.EventDeleted)

	return nil
}

// GetRecord returns the raw row with no visibility check — for internal
// callers (substrate's own idempotency replay, C7/C8/C9) that already
// have an authorization decision.
func (s *Substrate) GetRecord(ctx context.Context, ownerID, recordID string) (*model.Record, error) {
	return s.store.GetRecord(ctx, ownerID, recordID)
}

// GetRecordContextView is "GET /records/{id}": raw row loaded under
// RLS+ACL, then passed through C4. Returns the same not-found error for
// both a missing record and a visibility denial.
func (s *Substrate) GetRecordContextView(ctx context.Context, identity model.Identity, recordID string) (*model.Record, []transform.Warning, error) {
	rec, err := s.store.GetRecordVisible(ctx, identity.OwnerID, identity.Subject, recordID, identity.IsCurator())
	if err != nil {
		return nil, nil, err
	}

	view, warnings, err := s.applyTransform(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	out := *rec
	out.Context = view
	return &out, warnings, nil
}

// applyTransform loads this record's schema hints (C3) and runs them
// through C4. A record with no matching schema.def.v1 passes through
// unchanged — hints are opt-in, never required.
func (s *Substrate) applyTransform(ctx context.Context, rec *model.Record) (map[string]any, []transform.Warning, error) {
	hints, found, err := s.schemas.Hints(ctx, rec.OwnerID, schemaNameOf(rec))
	if err != nil {
		return nil, nil, fmt.Errorf("load schema hints: %w", err)
	}
	if !found {
		return deepCopyContext(rec.Context), nil, nil
	}

	view, warnings := s.transform.Apply(schemaNameOf(rec), deepCopyContext(rec.Context), hints)
	return view, warnings, nil
}

// GetRecordFull is "GET /records/{id}/full": curator-only, no transform.
func (s *Substrate) GetRecordFull(ctx context.Context, identity model.Identity, recordID string) (*model.Record, error) {
	if !identity.IsCurator() {
		return nil, rcrterr.Forbidden("full view requires the curator role")
	}
	return s.store.GetRecordVisible(ctx, identity.OwnerID, identity.Subject, recordID, true)
}

// GetHistory returns the ordered version history of a record.
func (s *Substrate) GetHistory(ctx context.Context, identity model.Identity, recordID string) ([]*model.HistoryRow, error) {
	if _, err := s.store.GetRecordVisible(ctx, identity.OwnerID, identity.Subject, recordID, identity.IsCurator()); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, identity.OwnerID, recordID)
}

// ListRecords serves "GET /records?tag=&schema_name=&owner=&updated_since=".
func (s *Substrate) ListRecords(ctx context.Context, identity model.Identity, filter model.RecordFilter) ([]*model.Record, error) {
	return s.store.ListRecords(ctx, identity.OwnerID, identity.Subject, identity.IsCurator(), filter)
}

// SearchResult pairs a record with its blended hybrid-search score.
type SearchResult struct {
	Record *model.Record
	Score  float64
}

// Search serves "GET /records/search" and the assembler's seed-collection
// step: final = 0.6*vec_score + 0.4*keyword_score, where vec_score is
// 1/(1+cosine_distance(query, record)) (0 if either side has no embedding)
// and keyword_score is |record.entity_keywords ∩ pointers| / |pointers|
// (0 if pointers is empty). schemaNames narrows the candidate set to those
// schemas; empty means every schema not named in blacklist.
func (s *Substrate) Search(ctx context.Context, identity model.Identity, queryText string, pointers, schemaNames, blacklist []string, limit int) ([]SearchResult, error) {
	switch {
	case limit == 0:
		return []SearchResult{}, nil
	case limit < 0:
		return nil, rcrterr.BadRequest("nn must be >= 0, got %d", limit)
	}

	blocked := make(map[string]struct{}, len(blacklist))
	for _, name := range blacklist {
		blocked[name] = struct{}{}
	}

	var queryVec []float32
	if queryText != "" && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, queryText)
		if err != nil {
			return nil, fmt.Errorf("embed search query: %w", err)
		}
		queryVec = vec
	}

	candidates, err := s.searchCandidates(ctx, identity, schemaNames, blocked)
	if err != nil {
		return nil, err
	}

	pointerSet := make(map[string]struct{}, len(pointers))
	for _, p := range pointers {
		pointerSet[p] = struct{}{}
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, rec := range candidates {
		var vecScore float64
		if len(queryVec) > 0 && len(rec.Embedding) > 0 {
			vecScore = 1 / (1 + vector.CosineDistance(queryVec, rec.Embedding))
		}

		var keywordScore float64
		if len(pointers) > 0 {
			var matched int
			for _, kw := range rec.EntityKeywords {
				if _, ok := pointerSet[kw]; ok {
					matched++
				}
			}
			keywordScore = float64(matched) / float64(len(pointers))
		}

		results = append(results, SearchResult{
			Record: rec,
			Score:  0.6*vecScore + 0.4*keywordScore,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// searchCandidates gathers the schema-filtered, blacklist-excluded record
// set a search scores over. Schema names fan out into one store call each
// since model.RecordFilter carries a single schema, not a set.
func (s *Substrate) searchCandidates(ctx context.Context, identity model.Identity, schemaNames []string, blocked map[string]struct{}) ([]*model.Record, error) {
	if len(schemaNames) == 0 {
		all, err := s.store.ListRecords(ctx, identity.OwnerID, identity.Subject, identity.IsCurator(), model.RecordFilter{})
		if err != nil {
			return nil, fmt.Errorf("list records for search: %w", err)
		}
		out := make([]*model.Record, 0, len(all))
		for _, rec := range all {
			if _, skip := blocked[schemaNameOf(rec)]; skip {
				continue
			}
			out = append(out, rec)
		}
		return out, nil
	}

	var out []*model.Record
	for _, name := range schemaNames {
		if _, skip := blocked[name]; skip {
			continue
		}
		recs, err := s.store.ListRecords(ctx, identity.OwnerID, identity.Subject, identity.IsCurator(), model.RecordFilter{SchemaName: name})
		if err != nil {
			return nil, fmt.Errorf("list records for search schema %s: %w", name, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// BatchTransform serves "POST /records/batch-transform": it loads and
// transforms each id concurrently, bounded by cfg.BatchTransformConcurrency,
// and returns results in the same order as ids. Its only caller is the HTTP
// handler; the assembler does not use it.
func (s *Substrate) BatchTransform(ctx context.Context, identity model.Identity, ids []string) ([]map[string]any, error) {
	out := make([]map[string]any, len(ids))

	concurrency := s.cfg.BatchTransformConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, id := range ids {
		g.Go(func() error {
			rec, err := s.store.GetRecordVisible(gctx, identity.OwnerID, identity.Subject, id, identity.IsCurator())
			if err != nil {
				return fmt.Errorf("load record %s: %w", id, err)
			}
			view, _, err := s.applyTransform(gctx, rec)
			if err != nil {
				return fmt.Errorf("transform record %s: %w", id, err)
			}
			out[i] = view
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Substrate) publish(rec *model.Record, eventType model.EventType) {
	if s.fabric == nil {
		return
	}
	env := &model.EventEnvelope{
		Type:       eventType,
		RecordID:   rec.ID,
		Owner:      rec.OwnerID,
		SchemaName: schemaNameOf(rec),
		Tags:       rec.Tags,
		Version:    rec.Version,
		UpdatedAt:  rec.UpdatedAt,
	}
	s.fabric.Publish(env, rec.Visibility, rec.Sensitivity)
}

func schemaNameOf(rec *model.Record) string {
	if rec.SchemaName.Valid {
		return rec.SchemaName.V
	}
	return ""
}

func hintsToAny(hints model.LLMHints) (any, error) {
	data, err := json.Marshal(hints)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// logEmbedFailure is the single choke point for the "must never block"
// embedding/indexing failure paths: always logged, never returned as an
// error to the caller.
func logEmbedFailure(recordID string, err error) {
	slog.Error("substrate: non-fatal embedding/index failure", "record_id", recordID, "error", err)
}
