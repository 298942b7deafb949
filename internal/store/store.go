// Package store defines the persistence contract for every RCRT entity
// (C1) and selects a concrete backend (Postgres or SQLite) from config.
package store

import (
	"context"
	"time"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/store/memory"
	"github.com/rakunlabs/rcrt/internal/store/postgres"
	"github.com/rakunlabs/rcrt/internal/store/sqlite3"
)

// RecordFilter narrows GET /records?... list/search queries. Defined in
// package model (and aliased here) so storage backends can depend on the
// type without importing this package back.
type RecordFilter = model.RecordFilter

// Store is the full persistence contract. Every method is called with the
// caller's identity already resolved. Methods that take an ownerID apply
// tenancy inside their own query, except that the Postgres and SQLite
// ListHistory ignore ownerID and rely on the caller's earlier fetch of the
// owning record. Visibility is applied by GetRecordVisible and ListRecords;
// GetRecord returns the row without a visibility check.
type Store interface {
	// Records
	CreateRecord(ctx context.Context, rec *model.Record) error
	GetRecord(ctx context.Context, ownerID, recordID string) (*model.Record, error)
	// GetRecordVisible applies the tenancy+visibility+ACL predicate for a
	// non-curator caller; curator bypasses visibility but not tenancy.
	GetRecordVisible(ctx context.Context, ownerID, callerAgentID, recordID string, curator bool) (*model.Record, error)
	UpdateRecord(ctx context.Context, rec *model.Record, ifMatchVersion int64) error
	DeleteRecord(ctx context.Context, ownerID, recordID string) error
	ListRecords(ctx context.Context, ownerID, callerAgentID string, curator bool, filter RecordFilter) ([]*model.Record, error)
	ListHistory(ctx context.Context, ownerID, recordID string) ([]*model.HistoryRow, error)
	AppendHistory(ctx context.Context, row *model.HistoryRow) error

	// Edges
	InsertEdgesBulk(ctx context.Context, edges []model.Edge) error
	ListEdgesAmong(ctx context.Context, ownerID string, recordIDs []string) ([]model.Edge, error)
	TagNeighbors(ctx context.Context, ownerID, tag, excludeID string, limit int) ([]string, error)
	SessionNeighbors(ctx context.Context, ownerID, sessionTag, excludeID string, since time.Time, limit int) ([]string, error)

	// Selectors / subscriptions
	CreateSelector(ctx context.Context, sel *model.Selector) error
	GetSelector(ctx context.Context, ownerID, id string) (*model.Selector, error)
	UpdateSelector(ctx context.Context, sel *model.Selector) error
	DeleteSelector(ctx context.Context, ownerID, id string) error
	ListSelectorsByAgent(ctx context.Context, ownerID, agentID string) ([]*model.Selector, error)

	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, ownerID, id string) error
	ListSubscriptions(ctx context.Context, ownerID string) ([]*model.Subscription, error)
	ListSubscriptionsByChannel(ctx context.Context, ownerID string, channel model.DeliveryChannel) ([]*model.Subscription, error)

	// ACL
	CreateACLGrant(ctx context.Context, grant *model.ACLGrant) error
	RevokeACLGrant(ctx context.Context, ownerID, recordID, granteeID string, action model.ACLAction) error
	ListACLGrants(ctx context.Context, recordID string) ([]*model.ACLGrant, error)

	// Secrets
	CreateSecret(ctx context.Context, sec *model.Secret) error
	GetSecret(ctx context.Context, id string) (*model.Secret, error)
	ListSecrets(ctx context.Context, scope model.SecretScope, scopeID string) ([]*model.Secret, error)
	UpdateSecret(ctx context.Context, sec *model.Secret) error
	DeleteSecret(ctx context.Context, id string) error
	RecordSecretAudit(ctx context.Context, row *model.SecretAuditRow) error

	// Schema/agent meta lookups used by C3/C9
	FindRecordsBySchemaAndTag(ctx context.Context, ownerID, schemaName, tag string, limit int) ([]*model.Record, error)
	ListAllAgentDefs(ctx context.Context) ([]*model.Record, error)

	// ListRecordsMissingEntityKeywords supports C7's startup backfill pass
	// over records that still carry no extracted keywords, across every
	// tenant.
	ListRecordsMissingEntityKeywords(ctx context.Context, batchSize int) ([]*model.Record, error)

	// DLQ
	CreateDLQEntry(ctx context.Context, entry *model.DLQEntry) error
	ListDLQ(ctx context.Context) ([]*model.DLQEntry, error)
	GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error)
	DeleteDLQ(ctx context.Context, id string) error

	// Admin
	PurgeExpired(ctx context.Context, before time.Time, batchSize int) ([]*model.Record, error)

	Close() error
}

// New selects a backend from config: Postgres and SQLite are the
// production backends, an in-memory backend serves tests and
// single-process demos.
func New(ctx context.Context, cfg config.Store, encKey []byte) (Store, error) {
	switch {
	case cfg.Postgres != nil:
		return postgres.New(ctx, *cfg.Postgres, encKey)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, *cfg.SQLite, encKey)
	default:
		return memory.New(), nil
	}
}

var (
	_ Store = (*postgres.Postgres)(nil)
	_ Store = (*sqlite3.SQLite)(nil)
	_ Store = (*memory.Memory)(nil)
)
