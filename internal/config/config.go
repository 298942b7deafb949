package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the root configuration for the rcrtd process.
type Config struct {
	LogLevel string  `cfg:"log_level,no_prefix" default:"info"`

	Store        Store         `cfg:"store"`
	Server       Server        `cfg:"server"`
	Embedding    Embedding     `cfg:"embedding"`
	Vector       Vector        `cfg:"vector"`
	Substrate    Substrate     `cfg:"substrate"`
	Fabric       Fabric        `cfg:"fabric"`
	EntityWorker EntityWorker  `cfg:"entity_worker"`
	EdgeBuilder  EdgeBuilder   `cfg:"edge_builder"`
	Assembler    Assembler     `cfg:"assembler"`
	Admin        Admin         `cfg:"admin"`

	Telemetry tell.Config  `cfg:"telemetry,noprefix"`
}

// Server configures the HTTP surface.
type Server struct {
	BasePath string  `cfg:"base_path"`
	Port     string  `cfg:"port" default:"8080"`
	Host     string  `cfg:"host"`

	// ForwardAuth, if set, delegates bearer-token authentication to an
	// external service instead of parsing the token in-process.
	ForwardAuth *mforwardauth.ForwardAuth  `cfg:"forward_auth"`

	// AdminToken protects /admin/* and /dlq/* with bearer authentication.
	// If unset, those endpoints are disabled (403).
	AdminToken string  `cfg:"admin_token" log:"-"`

	// DevMode disables bearer-token authentication entirely. Never set in
	// production; exists for local iteration and the test suite.
	DevMode bool  `cfg:"dev_mode"`

	// Alan, if set, enables distributed clustering via UDP peer discovery
	// for schema-cache invalidation and hygiene-sweeper leader election.
	Alan *alan.Config  `cfg:"alan"`
}

// Store selects and configures the relational backend.
type Store struct {
	Postgres *StorePostgres  `cfg:"postgres"`
	SQLite   *StoreSQLite    `cfg:"sqlite"`

	// EncryptionKey enables AES-256-GCM envelope encryption for secret
	// values. Any non-empty string works; it is hashed to 32
	// bytes internally. Empty disables encryption (plaintext passthrough).
	EncryptionKey string  `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string         `cfg:"table_prefix"`
	Datasource      string          `cfg:"datasource" log:"-"`
	Schema          string          `cfg:"schema"`
	ConnMaxLifetime *time.Duration  `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int            `cfg:"max_idle_conns"`
	MaxOpenConns    *int            `cfg:"max_open_conns"`

	Migrate Migrate  `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string  `cfg:"table_prefix"`
	Datasource  string   `cfg:"datasource"`

	Migrate Migrate  `cfg:"migrate"`
}

type Migrate struct {
	Datasource string             `cfg:"datasource" log:"-"`
	Schema     string             `cfg:"schema"`
	Table      string             `cfg:"table"`
	Values     map[string]string  `cfg:"values"`
}

// Embedding configures the pluggable C2 provider.
type Embedding struct {
	// Type selects "local" (deterministic hash projection) or "remote"
	// (HTTP call to an embedding service).
	Type string  `cfg:"type" default:"local"`
	// Dim is the fixed vector dimension, chosen once at boot.
	Dim int  `cfg:"dim" default:"256"`
	// RemoteURL is the endpoint for Type="remote".
	RemoteURL string  `cfg:"remote_url"`
	// RemoteTimeout bounds each embedding call.
	RemoteTimeout time.Duration  `cfg:"remote_timeout" default:"5s"`
}

// Vector selects the ANN backend for C1's embedding column.
type Vector struct {
	// Backend is "bruteforce" (default, in-process), "milvus", or
	// "pgvector" (Postgres-native, requires Store.Postgres).
	Backend string         `cfg:"backend" default:"bruteforce"`
	Milvus  *VectorMilvus  `cfg:"milvus"`
}

type VectorMilvus struct {
	Address        string  `cfg:"address"`
	CollectionName string  `cfg:"collection_name" default:"rcrt_records"`
}

// Substrate configures C5's create/update obligations that aren't pure
// storage mechanics: the tag-pointer/state-vocabulary split
// and the idempotency-key retention window.
type Substrate struct {
	// StateVocabulary names tags that look like pointers (no ":") but are
	// actually lifecycle/state markers — e.g. "draft", "archived" — and so
	// must not be treated as semantic pointer tags on write.
	StateVocabulary []string  `cfg:"state_vocabulary"`

	// IdempotencyTTL bounds how long a POST /records Idempotency-Key is
	// remembered; a replayed key older than this is treated as new.
	IdempotencyTTL time.Duration  `cfg:"idempotency_ttl" default:"24h"`

	// BatchTransformConcurrency bounds the parallel fetch+transform fan-out
	// for POST /records/batch-transform ("must parallelise").
	BatchTransformConcurrency int  `cfg:"batch_transform_concurrency" default:"8"`
}

// Fabric configures change-fabric delivery.
type Fabric struct {
	HeartbeatInterval time.Duration  `cfg:"heartbeat_interval" default:"25s"`
	WebhookTimeout    time.Duration  `cfg:"webhook_timeout" default:"10s"`
	WebhookMaxRetries int            `cfg:"webhook_max_retries" default:"6"`
	// WebhookWorkers is not read by the fabric; in-flight webhook
	// deliveries are bounded by its fixed webhookConcurrency (32).
	WebhookWorkers int  `cfg:"webhook_workers" default:"16"`
}

// EntityWorker configures C7's keyword extraction and startup backfill.
type EntityWorker struct {
	// BackfillBatchSize bounds each page of the startup sweep over
	// records that still lack entity_keywords.
	BackfillBatchSize int  `cfg:"backfill_batch_size" default:"500"`
}

// EdgeBuilder configures C8's per-record edge construction.
type EdgeBuilder struct {
	// TagNeighborLimit caps how many same-tag records a tag edge links to.
	TagNeighborLimit int  `cfg:"tag_neighbor_limit" default:"10"`
	// SessionTagLimit caps temporal-edge neighbours within the window.
	SessionTagLimit int  `cfg:"session_tag_limit" default:"10"`
	// TemporalWindow bounds how far back a temporal edge can reach.
	TemporalWindow time.Duration  `cfg:"temporal_window" default:"1h"`
	// SemanticTopK caps semantic edges per new record.
	SemanticTopK int  `cfg:"semantic_top_k" default:"5"`
	// SemanticThreshold is the minimum cosine similarity for a semantic edge.
	SemanticThreshold float64  `cfg:"semantic_threshold" default:"0.75"`
}

// Assembler configures C9's graph walk and seed collection defaults.
type Assembler struct {
	Radius           int            `cfg:"radius" default:"2"`
	MaxDepth         int            `cfg:"max_depth" default:"5"`
	MaxResults       int            `cfg:"max_results" default:"50"`
	DefaultBudget    int64          `cfg:"default_budget_tokens" default:"50000"`
	SessionSeedLimit int            `cfg:"session_seed_limit" default:"20"`
	WallClockCeiling time.Duration  `cfg:"wall_clock_ceiling" default:"10s"`

	// DomainTerms is the pointer-extraction vocabulary — an open
	// question, kept as configurable policy rather than a learned model.
	DomainTerms []string  `cfg:"domain_terms"`

	// ContextBlacklist is the fixed-but-extensible set of system schemas
	// excluded from context assembly and hybrid search.
	ContextBlacklist []string  `cfg:"context_blacklist"`
}

// Admin configures C11's hygiene sweeper and ops surface.
type Admin struct {
	HygieneInterval  time.Duration  `cfg:"hygiene_interval" default:"1m"`
	HygieneBatchSize int            `cfg:"hygiene_batch_size" default:"500"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("RCRT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	if len(cfg.Substrate.StateVocabulary) == 0 {
		cfg.Substrate.StateVocabulary = defaultStateVocabulary
	}
	if len(cfg.Assembler.DomainTerms) == 0 {
		cfg.Assembler.DomainTerms = defaultDomainTerms
	}
	if len(cfg.Assembler.ContextBlacklist) == 0 {
		cfg.Assembler.ContextBlacklist = defaultContextBlacklist
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// defaultStateVocabulary seeds the lifecycle/state tags excluded from the
// write-side pointer set ("pointer tags").
var defaultStateVocabulary = []string{
	"draft", "published", "archived", "deleted", "pending",
	"active", "inactive", "resolved", "open", "closed",
}

// defaultDomainTerms seeds the pointer-extraction vocabulary: a starting
// ~40-term set, expected to evolve.
var defaultDomainTerms = []string{
	"playwright", "browser-automation", "selenium", "puppeteer",
	"http", "api", "webhook", "database", "postgres", "sqlite",
	"authentication", "authorization", "encryption", "token",
	"embedding", "vector", "search", "retrieval", "transform",
	"schema", "workflow", "trigger", "scheduler", "pipeline",
	"deployment", "container", "kubernetes", "docker", "terraform",
	"javascript", "typescript", "python", "golang", "rust",
	"frontend", "backend", "microservice", "gateway", "proxy",
	"cache", "queue", "stream", "batch", "pagination",
}

// defaultContextBlacklist is the system-schema exclusion set used by
// context assembly and hybrid search. Kept as a default only — it is expected to live
// as an extensible record (meta.context_blacklist.v1) once seeded.
var defaultContextBlacklist = []string{
	"health.check.v1", "metrics.snapshot.v1", "hygiene.sweep.v1",
	"bootstrap.seed.v1", "schema.def.v1", "agent.def.v1", "tool.code.v1",
	"secret.v1", "secret.audit.v1", "ui.theme.v1", "ui.layout.v1",
	"tool.catalog.v1", "agent.catalog.v1", "models.catalog.v1",
	"tool.request.v1", "tool.response.v1", "agent.context.v1",
	"dlq.entry.v1", "admin.purge.v1", "cluster.broadcast.v1",
	"webhook.delivery.v1", "subscription.v1", "selector.v1",
	"acl.grant.v1", "meta.context_blacklist.v1",
}
