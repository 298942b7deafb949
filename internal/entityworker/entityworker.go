// Package entityworker implements C7: it watches the change fabric for
// created/updated records and populates entity_keywords, the coarse
// pointer vocabulary the assembler's hybrid search (C5/C9) matches
// against. It also runs a one-shot startup backfill
// over records written before the worker existed.
package entityworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/schemacache"
	"github.com/rakunlabs/rcrt/internal/transform"
)

// Store is the subset of the storage contract (C1) the entity worker
// needs: raw fetch/update by owner+id, and the cross-tenant backfill scan.
type Store interface {
	GetRecord(ctx context.Context, ownerID, recordID string) (*model.Record, error)
	UpdateRecord(ctx context.Context, rec *model.Record, ifMatchVersion int64) error
	ListRecordsMissingEntityKeywords(ctx context.Context, batchSize int) ([]*model.Record, error)
}

// Worker is C7.
type Worker struct {
	store     Store
	schemas   *schemacache.Cache
	transform *transform.Engine
	cfg       config.EntityWorker

	domainVocab map[string]struct{}
	stateVocab  map[string]struct{}
}

// New wires a Worker. domainTerms and stateVocabulary are the same
// configured vocabularies used elsewhere (config.Assembler.DomainTerms,
// config.Substrate.StateVocabulary) so keyword extraction and pointer-tag
// extraction stay consistent with the rest of the system.
func New(
	st              Store,
	schemas         *schemacache.Cache,
	transformEngine *transform.Engine,
	cfg             config.EntityWorker,
	domainTerms     []string,
	stateVocabulary []string,
) *Worker {
	domainVocab := make(map[string]struct{}, len(domainTerms))
	for _, t := range domainTerms {
		domainVocab[t] = struct{}{}
	}
	stateVocab := make(map[string]struct{}, len(stateVocabulary))
	for _, t := range stateVocabulary {
		stateVocab[t] = struct{}{}
	}

	return &Worker{
		store:       st,
		schemas:     schemas,
		transform:   transformEngine,
		cfg:         cfg,
		domainVocab: domainVocab,
		stateVocab:  stateVocab,
	}
}

// Run consumes envelopes from the change fabric until the channel closes or
// ctx is cancelled. One goroutine; record-level work fans out to handle.
func (w *Worker) Run(ctx context.Context, events <-chan *model.EventEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			w.handle(ctx, env)
		}
	}
}

func (w *Worker) handle(ctx context.Context, env *model.EventEnvelope) {
	switch env.Type {
	case model.EventCreated, model.EventUpdated:
	default:
		return
	}

	if err := w.process(ctx, env.Owner, env.RecordID, env.Type == model.EventUpdated); err != nil {
		if errors.Is(err, rcrterr.ErrNotFound) {
			// Record was deleted or superseded between publish and
			// processing; nothing to backfill.
			return
		}
		slog.Error("entity worker: process record", "owner", env.Owner, "record_id", env.RecordID, "error", err)
	}
}

// process loads rec, extracts keywords and persists them if they changed.
// forceRecompute is true for update events, since the underlying context
// may have changed even though keywords were already present.
func (w *Worker) process(ctx context.Context, ownerID, recordID string, forceRecompute bool) error {
	rec, err := w.store.GetRecord(ctx, ownerID, recordID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	if len(rec.EntityKeywords) > 0 && !forceRecompute {
		return nil
	}

	keywords, err := w.extract(ctx, rec)
	if err != nil {
		return fmt.Errorf("extract keywords: %w", err)
	}

	if stringsEqual(rec.EntityKeywords, keywords) {
		return nil
	}

	rec.EntityKeywords = keywords
	if err := w.store.UpdateRecord(ctx, rec, rec.Version); err != nil {
		if errors.Is(err, rcrterr.ErrVersionConflict) {
			// Lost a race with a concurrent write; the event that caused
			// that write will trigger its own pass.
			return nil
		}
		return fmt.Errorf("persist entity keywords: %w", err)
	}
	return nil
}

// extract builds the same text projection C5 embeds, tokenizes it against
// the domain vocabulary, and unions the result with the record's pointer
// tags.
func (w *Worker) extract(ctx context.Context, rec *model.Record) ([]string, error) {
	text, err := w.textProjection(ctx, rec)
	if err != nil {
		return nil, err
	}

	keywords := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		if _, ok := w.domainVocab[tok]; ok {
			keywords[tok] = struct{}{}
		}
	}
	for _, tag := range rec.PointerTags(w.stateVocab) {
		keywords[tag] = struct{}{}
	}

	out := make([]string, 0, len(keywords))
	for k := range keywords {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// textProjection mirrors internal/substrate's embedding projection via the
// same transform.Engine.Projection helper, so both consumers stay in sync
// on one implementation instead of hand-rolled duplicates. Called here
// rather than imported from substrate so this consumer doesn't need to
// depend on the HTTP-facing substrate package, only on the lower-level
// C3/C4 collaborators it already holds.
func (w *Worker) textProjection(ctx context.Context, rec *model.Record) (string, error) {
	schemaName := ""
	if rec.SchemaName.Valid {
		schemaName = rec.SchemaName.V
	}

	hints, _, err := w.schemas.Hints(ctx, rec.OwnerID, schemaName)
	if err != nil {
		return "", fmt.Errorf("load schema hints: %w", err)
	}

	description, _ := rec.Context["description"].(string)

	return w.transform.Projection(schemaName, rec.Title, description, deepCopyContext(rec.Context), hints), nil
}

// tokenize lowercases s, splits on every rune that is neither alphanumeric
// nor '-', and keeps tokens of length >= 4.
func tokenize(s string) []string {
	lower := strings.ToLower(s)

	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 4 {
			tokens = append(tokens, cur.String())
		}
		cur.Reset()
	}

	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func deepCopyContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyContext(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}

// Backfill sweeps every record still missing entity_keywords, oldest
// first, until a pass returns fewer than a full batch. Intended to run
// once at process startup before Run begins consuming live events.
func (w *Worker) Backfill(ctx context.Context) error {
	batchSize := w.cfg.BackfillBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	total := 0
	for {
		recs, err := w.store.ListRecordsMissingEntityKeywords(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("list records missing entity keywords: %w", err)
		}
		if len(recs) == 0 {
			break
		}

		for _, rec := range recs {
			if err := w.process(ctx, rec.OwnerID, rec.ID, false); err != nil {
				slog.Error("entity worker: backfill record", "owner", rec.OwnerID, "record_id", rec.ID, "error", err)
				continue
			}
			total++
		}

		if len(recs) < batchSize {
			break
		}
	}

	slog.Info("entity worker backfill complete", "records_updated", total)
	return nil
}
