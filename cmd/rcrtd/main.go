package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/rcrt/internal/admin"
	"github.com/rakunlabs/rcrt/internal/assembler"
	"github.com/rakunlabs/rcrt/internal/cluster"
	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/crypto"
	"github.com/rakunlabs/rcrt/internal/edgebuilder"
	"github.com/rakunlabs/rcrt/internal/embedding"
	"github.com/rakunlabs/rcrt/internal/entityworker"
	"github.com/rakunlabs/rcrt/internal/fabric"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/schemacache"
	"github.com/rakunlabs/rcrt/internal/server"
	"github.com/rakunlabs/rcrt/internal/store"
	"github.com/rakunlabs/rcrt/internal/store/postgres"
	"github.com/rakunlabs/rcrt/internal/substrate"
	"github.com/rakunlabs/rcrt/internal/tokenest"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/rakunlabs/rcrt/internal/vector"
)

var (
	name    = "rcrtd"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := store.New(ctx, cfg.Store, encKey)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	index, err := buildVectorIndex(cfg, st)
	if err != nil {
		return fmt.Errorf("build vector index: %w", err)
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("build embedding provider: %w", err)
	}

	transformEngine := transform.New()

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}

	// cl is a typed nil when clustering is disabled (cluster.New returns
	// nil, nil); only hand it to interface-typed parameters when it's a
	// real instance, or a nil *Cluster wrapped in a non-nil interface
	// would panic the first time a method dereferences its alan handle.
	var schemaBroadcaster schemacache.Broadcaster
	var adminCluster admin.Cluster
	if cl != nil {
		schemaBroadcaster = cl
		adminCluster = cl
	}

	schemas := schemacache.New(st, schemaBroadcaster)

	webhookCfg := fabric.WebhookConfig{
		RecordURLPrefix: recordURLPrefix(cfg.Server),
		Timeout:         cfg.Fabric.WebhookTimeout,
	}
	fab := fabric.New(st, webhookCfg)

	sub := substrate.New(st, embedder, index, transformEngine, schemas, fab, encKey, cfg.Substrate)

	adm, err := admin.New(st, fab, adminCluster, cfg.Admin)
	if err != nil {
		return fmt.Errorf("build admin: %w", err)
	}

	entityWorker := entityworker.New(st, schemas, transformEngine, cfg.EntityWorker, cfg.Assembler.DomainTerms, cfg.Substrate.StateVocabulary)
	edgeWorker := edgebuilder.New(st, index, cfg.EdgeBuilder)
	budgets := tokenest.New(st, cfg.Assembler.DefaultBudget)
	asm := assembler.New(st, sub, budgets, cfg.Assembler, cfg.Substrate.StateVocabulary)

	srv, err := server.New(ctx, cfg.Server, sub, fab, adm)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	fab.Start(ctx)
	adm.Start(ctx)

	if cl != nil {
		go func() {
			onNewKey := func(newKey []byte) {
				// Key rotation has no live-swap path: store/substrate both
				// close over encKey at construction, so a rotation
				// broadcast from a peer only takes effect on this
				// instance's next restart.
				slog.Warn("received encryption key rotation broadcast; restart this instance to apply it")
			}
			if err := cl.Start(ctx, onNewKey, schemas.OnClusterInvalidate); err != nil {
				slog.Error("cluster start failed", "error", err)
			}
		}()
	}

	startConsumer(ctx, "entity-worker", entityWorker.Run, fab)
	startConsumer(ctx, "edge-builder", edgeWorker.Run, fab)
	startConsumer(ctx, "assembler", asm.Run, fab)

	if err := entityWorker.Backfill(ctx); err != nil {
		slog.Error("entity keyword backfill failed", "error", err)
	}

	slog.Info("rcrtd starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	return srv.Start(ctx)
}

// buildVectorIndex selects the ANN backend. vector.New can't build its own
// Postgres-native index (it only knows config, not the live store handle),
// so the pgvector case is resolved here against the already-connected store
// instead of inside vector.New.
func buildVectorIndex(cfg *config.Config, st store.Store) (vector.Index, error) {
	if cfg.Vector.Backend == "pgvector" {
		pg, ok := st.(*postgres.Postgres)
		if !ok {
			return nil, fmt.Errorf("vector backend pgvector requires store.postgres to be configured")
		}
		return postgres.NewPgVectorIndex(pg), nil
	}
	return vector.New(cfg.Vector)
}

// recordURLPrefix builds the base URL the webhook edge uses to construct
// a record_url retrieval hint in delivered payloads.
func recordURLPrefix(cfg config.Server) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s%s/records", host, cfg.Port, cfg.BasePath)
}

// startConsumer subscribes run to the fabric's internal bus and unsubscribes
// once ctx is cancelled. entityworker.Worker, edgebuilder.Worker and
// assembler.Assembler all expose the same Run(ctx, events) shape, so one
// helper wires all three consumer loops.
func startConsumer(ctx context.Context, label string, run func(ctx context.Context, events <-chan *model.EventEnvelope), fab *fabric.Fabric) {
	events, unsubscribe := fab.Subscribe()
	go func() {
		defer unsubscribe()
		run(ctx, events)
	}()
	slog.Info("consumer started", "consumer", label)
}
