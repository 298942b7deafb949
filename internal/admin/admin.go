// Package admin is C11: the hygiene sweeper that purges expired records
// and the operator-facing surface (DLQ inspection/retry, manual purge,
// health, and metrics) layered over it.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
)

// Store is the subset of the persistence contract C11 needs: the TTL
// sweep and the DLQ inspection/retry surface.
type Store interface {
	PurgeExpired(ctx context.Context, before time.Time, batchSize int) ([]*model.Record, error)
	ListDLQ(ctx context.Context) ([]*model.DLQEntry, error)
	GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error)
	DeleteDLQ(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, ownerID string) ([]*model.Subscription, error)
}

// Fabric is C6's surface for announcing sweeper-driven deletions and for
// retrying one DLQ-routed webhook delivery out of band.
type Fabric interface {
	Publish(env *model.EventEnvelope, visibility model.Visibility, sensitivity model.Sensitivity)
	RetryWebhook(ctx context.Context, sub *model.Subscription, env *model.EventEnvelope) error
}

// Cluster is satisfied by *cluster.Cluster. It is optional: a nil Cluster
// means single-instance mode, and the sweeper runs unconditionally.
type Cluster interface {
	LockScheduler(ctx context.Context) error
	UnlockScheduler() error
}

// Admin owns the hygiene sweeper loop and backs the DLQ/health/metrics
// handlers in handlers.go.
type Admin struct {
	store   Store
	fabric  Fabric
	cluster Cluster
	cfg     config.Admin

	mu     sync.Mutex
	cancel context.CancelFunc

	registry *prometheus.Registry
	m        *instruments
}

type instruments struct {
	purgedTotal  metric.Int64Counter
	retrySuccess metric.Int64Counter
	retryFailure metric.Int64Counter
}

// New wires the hygiene sweeper and its Prometheus-backed metrics. cl may
// be nil (single-instance mode).
func New(st Store, fab Fabric, cl Cluster, cfg config.Admin) (*Admin, error) {
	a := &Admin{store: st, fabric: fab, cluster: cl, cfg: cfg}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("admin: build prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := mp.Meter("rcrt/admin")

	purgedTotal, err := meter.Int64Counter("rcrt_hygiene_purged_total",
		metric.WithDescription("records removed by the TTL hygiene sweep"))
	if err != nil {
		return nil, fmt.Errorf("admin: register purged_total: %w", err)
	}
	retrySuccess, err := meter.Int64Counter("rcrt_dlq_retry_success_total",
		metric.WithDescription("DLQ retry attempts that succeeded and cleared the entry"))
	if err != nil {
		return nil, fmt.Errorf("admin: register retry_success_total: %w", err)
	}
	retryFailure, err := meter.Int64Counter("rcrt_dlq_retry_failure_total",
		metric.WithDescription("DLQ retry attempts that failed and left the entry in place"))
	if err != nil {
		return nil, fmt.Errorf("admin: register retry_failure_total: %w", err)
	}
	_, err = meter.Int64ObservableGauge("rcrt_dlq_size",
		metric.WithDescription("entries currently sitting in the dead letter queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			entries, err := st.ListDLQ(ctx)
			if err != nil {
				return err
			}
			o.Observe(int64(len(entries)))
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("admin: register dlq_size: %w", err)
	}

	a.registry = registry
	a.m = &instruments{purgedTotal: purgedTotal, retrySuccess: retrySuccess, retryFailure: retryFailure}

	return a, nil
}

// Start runs the hygiene sweeper until ctx is cancelled or Stop is called.
// With a Cluster configured, only the lock-holding instance sweeps;
// without one, every instance sweeps on its own ticker.
func (a *Admin) Start(ctx context.Context) {
	a.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if a.cluster != nil {
		go a.runLockLoop(ctx)
		return
	}
	go a.runTicker(ctx)
}

// Stop ends the sweeper loop. Safe to call multiple times.
func (a *Admin) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Admin) runLockLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.cluster.LockScheduler(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("admin: failed to acquire hygiene leader lock, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		slog.Info("admin: acquired hygiene leader lock")
		a.runTicker(ctx)

		a.cluster.UnlockScheduler()
		return
	}
}

func (a *Admin) runTicker(ctx context.Context) {
	interval := a.cfg.HygieneInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil {
				slog.Error("admin: hygiene sweep", "error", err)
			}
		}
	}
}

// Sweep runs one TTL purge pass to exhaustion — it pages through
// PurgeExpired until a partial batch comes back — announcing each deleted
// record on the fabric so downstream consumers (C7/C8/C9, SSE/webhook
// subscribers) observe the removal. It returns the total records purged.
func (a *Admin) Sweep(ctx context.Context) (int, error) {
	batchSize := a.cfg.HygieneBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	total := 0
	now := time.Now().UTC()
	for {
		purged, err := a.store.PurgeExpired(ctx, now, batchSize)
		if err != nil {
			return total, fmt.Errorf("admin: purge expired: %w", err)
		}

		for _, rec := range purged {
			a.announce(rec)
		}
		total += len(purged)
		if a.m != nil && len(purged) > 0 {
			a.m.purgedTotal.Add(ctx, int64(len(purged)))
		}

		if len(purged) < batchSize {
			break
		}
	}

	if total > 0 {
		slog.Info("admin: hygiene sweep purged expired records", "count", total)
	}
	return total, nil
}

func (a *Admin) announce(rec *model.Record) {
	var schemaName string
	if rec.SchemaName.Valid {
		schemaName = rec.SchemaName.V
	}
	env := &model.EventEnvelope{
		Type:       model.EventDeleted,
		RecordID:   rec.ID,
		Owner:      rec.OwnerID,
		SchemaName: schemaName,
		Tags:       []string(rec.Tags),
		Version:    rec.Version,
		UpdatedAt:  rec.UpdatedAt,
	}
	a.fabric.Publish(env, rec.Visibility, rec.Sensitivity)
}
