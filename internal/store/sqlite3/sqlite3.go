// Package sqlite3 is the single-node Store backend (C1) for local
// development and small single-tenant deployments that don't need a
// separate database process.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/rakunlabs/rcrt/internal/config"
	atcrypto "github.com/rakunlabs/rcrt/internal/crypto"
)

var DefaultTablePrefix = "rcrt_"

// SQLite implements store.Store over a single-writer modernc.org/sqlite
// connection. Timestamps and JSON columns round-trip as TEXT since SQLite
// has no native datetime or jsonb type; tag membership is matched
// with LIKE against the JSON-encoded array text rather than a containment
// operator.
type SQLite struct {
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

	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

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
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
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
		encKey:             encKey,
	}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RotateEncryptionKey decrypts every secret with the current key, re-encrypts
// with newKey, and updates rows inside one transaction. A nil newKey stores
// secrets as plaintext.
func (s *SQLite) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	s.encKeyMu.Lock()
	defer s.encKeyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableSecrets).
		Select("id", "wrapped_ciphertext").
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
		if s.encKey != nil && atcrypto.IsEncrypted(plaintext) {
			var err error
			plaintext, err = atcrypto.Decrypt(plaintext, s.encKey)
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

		updateQuery, _, err := s.goqu.Update(s.tableSecrets).
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

	s.encKey = newKey

	slog.Info("encryption key rotated", "secrets_updated", len(all))

	return nil
}

// SetEncryptionKey updates the in-memory key without touching stored rows.
// The cluster key-rotation handler in cmd/rcrtd does not call it; a peer's
// rotation broadcast is only logged there.
func (s *SQLite) SetEncryptionKey(newKey []byte) {
	s.encKeyMu.Lock()
	s.encKey = newKey
	s.encKeyMu.Unlock()
}

// nowString / parseTime round-trip time.Time through SQLite's TEXT storage.
func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
