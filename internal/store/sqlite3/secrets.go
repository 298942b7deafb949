package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

// ─── Secret CRUD ───
//
// Secrets arrive here already enveloped by internal/crypto; this layer
// only persists and returns WrappedCiphertext verbatim. RotateEncryptionKey
// in sqlite3.go is the only place that unwraps/rewraps in bulk.

func (s *SQLite) CreateSecret(ctx context.Context, sec *model.Secret) error {
	query, _, err := s.goqu.Insert(s.tableSecrets).Rows(
		goqu.Record{
			"id":                 sec.ID,
			"name":               sec.Name,
			"scope":              string(sec.Scope),
			"scope_id":           sec.ScopeID,
			"wrapped_ciphertext": sec.WrappedCiphertext,
			"created_at":         formatTime(sec.CreatedAt),
			"updated_at":         formatTime(sec.UpdatedAt),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert secret query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create secret %s: %w", sec.ID, err)
	}
	return nil
}

func (s *SQLite) GetSecret(ctx context.Context, id string) (*model.Secret, error) {
	query, _, err := s.goqu.From(s.tableSecrets).
		Select("id", "name", "scope", "scope_id", "wrapped_ciphertext", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get secret query: %w", err)
	}

	var sec model.Secret
	var scope, createdAt, updatedAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&sec.ID, &sec.Name, &scope, &sec.ScopeID, &sec.WrappedCiphertext, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rcrterr.NotFound("secret %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", id, err)
	}
	sec.Scope = model.SecretScope(scope)
	if sec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse secret created_at: %w", err)
	}
	if sec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse secret updated_at: %w", err)
	}
	return &sec, nil
}

func (s *SQLite) ListSecrets(ctx context.Context, scope model.SecretScope, scopeID string) ([]*model.Secret, error) {
	query, _, err := s.goqu.From(s.tableSecrets).
		Select("id", "name", "scope", "scope_id", "wrapped_ciphertext", "created_at", "updated_at").
		Where(goqu.I("scope").Eq(string(scope)), goqu.I("scope_id").Eq(scopeID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list secrets query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []*model.Secret
	for rows.Next() {
		var sec model.Secret
		var scopeStr, createdAt, updatedAt string
		if err := rows.Scan(&sec.ID, &sec.Name, &scopeStr, &sec.ScopeID, &sec.WrappedCiphertext, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan secret row: %w", err)
		}
		sec.Scope = model.SecretScope(scopeStr)
		if sec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse secret created_at: %w", err)
		}
		if sec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse secret updated_at: %w", err)
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateSecret(ctx context.Context, sec *model.Secret) error {
	query, _, err := s.goqu.Update(s.tableSecrets).Set(
		goqu.Record{
			"name":               sec.Name,
			"wrapped_ciphertext": sec.WrappedCiphertext,
			"updated_at":         formatTime(sec.UpdatedAt),
		},
	).Where(goqu.I("id").Eq(sec.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update secret query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update secret %s: %w", sec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("secret %s", sec.ID)
	}
	return nil
}

func (s *SQLite) DeleteSecret(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableSecrets).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete secret query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("secret %s", id)
	}
	return nil
}

func (s *SQLite) RecordSecretAudit(ctx context.Context, row *model.SecretAuditRow) error {
	query, _, err := s.goqu.Insert(s.tableSecretAudit).Rows(
		goqu.Record{
			"id":           row.ID,
			"secret_id":    row.SecretID,
			"actor_id":     row.ActorID,
			"decrypted_at": formatTime(row.DecryptedAt),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert secret audit query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("record secret audit for %s: %w", row.SecretID, err)
	}
	return nil
}
