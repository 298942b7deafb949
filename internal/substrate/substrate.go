// Package substrate implements C5, the boundary surface's business logic:
// create/update/delete/history/fetch-min/fetch-full/search, selector and
// subscription CRUD, ACL grants, secrets, and the admin surface's
// record-facing half. It wires together C1 (storage), C2 (embedding), C3
// (schema cache), C4 (transform) and C6 (change fabric) behind one narrow
// API that the HTTP layer calls into.
package substrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/embedding"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/schemacache"
	"github.com/rakunlabs/rcrt/internal/store"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/rakunlabs/rcrt/internal/vector"
)

// Publisher is the subset of internal/fabric's API the substrate uses to
// emit change events; kept as an interface so substrate doesn't need to
// import fabric's HTTP-serving concerns.
type Publisher interface {
	Publish(env *model.EventEnvelope, visibility model.Visibility, sensitivity model.Sensitivity)
}

// Substrate is C5. Construct once per process and share it across request
// handlers; it holds no per-request state beyond the idempotency cache.
type Substrate struct {
	store     store.Store
	embedder  embedding.Provider
	index     vector.Index
	transform *transform.Engine
	schemas   *schemacache.Cache
	fabric    Publisher
	encKey    []byte
	cfg       config.Substrate

	stateVocab map[string]struct{}

	idemMu   sync.Mutex
	idemSeen map[string]idempotencyEntry
}

type idempotencyEntry struct {
	checksum  string
	recordID  string
	version   int64
	expiresAt time.Time
}

func New(
	st              store.Store,
	embedder        embedding.Provider,
	index           vector.Index,
	transformEngine *transform.Engine,
	schemas         *schemacache.Cache,
	fabric          Publisher,
	encKey          []byte,
	cfg             config.Substrate,
) *Substrate {
	vocab := make(map[string]struct{}, len(cfg.StateVocabulary))
	for _, v := range cfg.StateVocabulary {
		vocab[v] = struct{}{}
	}

	return &Substrate{
		store:      st,
		embedder:   embedder,
		index:      index,
		transform:  transformEngine,
		schemas:    schemas,
		fabric:     fabric,
		encKey:     encKey,
		cfg:        cfg,
		stateVocab: vocab,
		idemSeen:   make(map[string]idempotencyEntry),
	}
}

// textProjection builds the LLM-facing text used for both the embedding
// (C2) and entity-keyword extraction (C7): title + description +
// stringify(applyLlmHints(context, hints)), via transform.Engine.Projection.
// A schema with no hints on record (found == false) leaves hints at its
// zero value, which Projection renders as the context unfiltered.
func (s *Substrate) textProjection(ctx context.Context, schemaName string, rec *model.Record) (string, error) {
	hints, _, err := s.schemas.Hints(ctx, rec.OwnerID, schemaName)
	if err != nil {
		return "", fmt.Errorf("load schema hints for projection: %w", err)
	}

	description, _ := rec.Context["description"].(string)

	return s.transform.Projection(schemaName, rec.Title, description, deepCopyContext(rec.Context), hints), nil
}

// checksum is the stable content hash stored on every record/history row,
// computed over the fields that define its content (not metadata like
// version or timestamps).
func checksum(title string, ctx map[string]any, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)

	ctxJSON, _ := json.Marshal(ctx)

	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write(ctxJSON)
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))

	return hex.EncodeToString(h.Sum(nil))
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

func newULID() string {
	return ulid.Make().String()
}
