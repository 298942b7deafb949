// Package postgres is the production Store backend (C1) for deployments
// that need real concurrent writers, row-level durability and a
// pgvector-capable ANN column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	atcrypto "github.com/rakunlabs/rcrt/internal/crypto"

	"github.com/rakunlabs/rcrt/internal/config"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10

	DefaultTablePrefix = "rcrt_"
)

// Postgres implements store.Store over a pgx/database-sql connection with
// goqu query building, one table per entity.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableRecords       exp.IdentifierExpression
	tableHistory       exp.IdentifierExpression
	tableEdges         exp.IdentifierExpression
	tableSelectors     exp.IdentifierExpression
	tableSubscriptions exp.IdentifierExpression
	tableACLs          exp.IdentifierExpression
	tableSecrets       exp.IdentifierExpression
	tableSecretAudit   exp.IdentifierExpression
	tableDLQ           exp.IdentifierExpression

	recordsTableName string

	// encKey wraps/unwraps secret ciphertext during key rotation (C11).
	// Secrets arrive at the store already wrapped by internal/crypto; this
	// key is used only by RotateEncryptionKey.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdleConns := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}
	maxOpenConns := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                 db,
		goqu:               dbGoqu,
		tableRecords:       goqu.T(tablePrefix + "records"),
		tableHistory:       goqu.T(tablePrefix + "record_history"),
		tableEdges:         goqu.T(tablePrefix + "record_edges"),
		tableSelectors:     goqu.T(tablePrefix + "selectors"),
		tableSubscriptions: goqu.T(tablePrefix + "subscriptions"),
		tableACLs:          goqu.T(tablePrefix + "acls"),
		tableSecrets:       goqu.T(tablePrefix + "secrets"),
		tableSecretAudit:   goqu.T(tablePrefix + "secret_audit"),
		tableDLQ:           goqu.T(tablePrefix + "dlq"),
		recordsTableName:   tablePrefix + "records",
		encKey:             encKey,
	}, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// RotateEncryptionKey decrypts every secret with the current key, re-encrypts
// with newKey, and updates rows inside one transaction. A nil newKey stores
// secrets as plaintext.
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableSecrets).
		Select("id", "wrapped_ciphertext").
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list secrets for rotation: %w", err)
	}

	type rowData struct {
		id         string
		ciphertext string
	}

	var all []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.ciphertext); err != nil {
			rows.Close()
			return fmt.Errorf("scan secret row: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate secret rows: %w", err)
	}

	for _, r := range all {
		plaintext := r.ciphertext
		if p.encKey != nil && atcrypto.IsEncrypted(plaintext) {
			var err error
			plaintext, err = atcrypto.Decrypt(plaintext, p.encKey)
			if err != nil {
				return fmt.Errorf("decrypt secret %s: %w", r.id, err)
			}
		}

		rewrapped := plaintext
		if newKey != nil {
			var err error
			rewrapped, err = atcrypto.Encrypt(plaintext, newKey)
			if err != nil {
				return fmt.Errorf("re-encrypt secret %s: %w", r.id, err)
			}
		}

		updateQuery, _, err := p.goqu.Update(p.tableSecrets).
			Set(goqu.Record{"wrapped_ciphertext": rewrapped}).
			Where(goqu.I("id").Eq(r.id)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %s: %w", r.id, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update secret %s: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	p.encKey = newKey

	slog.Info("encryption key rotated", "secrets_updated", len(all))

	return nil
}

// SetEncryptionKey updates the in-memory key without touching stored rows.
// The cluster key-rotation handler in cmd/rcrtd does not call it; a peer's
// rotation broadcast is only logged there.
func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}
