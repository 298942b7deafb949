package postgres

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
// in postgres.go is the only place that unwraps/rewraps in bulk.

func (p *Postgres) CreateSecret(ctx context.Context, sec *model.Secret) error {
	query, _, err := p.goqu.Insert(p.tableSecrets).Rows(
		goqu.Record{
			"id":                 sec.ID,
			"name":               sec.Name,
			"scope":              string(sec.Scope),
			"scope_id":           sec.ScopeID,
			"wrapped_ciphertext": sec.WrappedCiphertext,
			"created_at":         sec.CreatedAt,
			"updated_at":         sec.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert secret query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create secret %s: %w", sec.ID, err)
	}
	return nil
}

func (p *Postgres) GetSecret(ctx context.Context, id string) (*model.Secret, error) {
	query, _, err := p.goqu.From(p.tableSecrets).
		Select("id", "name", "scope", "scope_id", "wrapped_ciphertext", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get secret query: %w", err)
	}

	var sec model.Secret
	var scope string
	err = p.db.QueryRowContext(ctx, query).Scan(&sec.ID, &sec.Name, &scope, &sec.ScopeID, &sec.WrappedCiphertext, &sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rcrterr.NotFound("secret %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", id, err)
	}
	sec.Scope = model.SecretScope(scope)
	return &sec, nil
}

func (p *Postgres) ListSecrets(ctx context.Context, scope model.SecretScope, scopeID string) ([]*model.Secret, error) {
	query, _, err := p.goqu.From(p.tableSecrets).
		Select("id", "name", "scope", "scope_id", "wrapped_ciphertext", "created_at", "updated_at").
		Where(goqu.I("scope").Eq(string(scope)), goqu.I("scope_id").Eq(scopeID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list secrets query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []*model.Secret
	for rows.Next() {
		var sec model.Secret
		var s string
		if err := rows.Scan(&sec.ID, &sec.Name, &s, &sec.ScopeID, &sec.WrappedCiphertext, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret row: %w", err)
		}
		sec.Scope = model.SecretScope(s)
		out = append(out, &sec)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSecret(ctx context.Context, sec *model.Secret) error {
	query, _, err := p.goqu.Update(p.tableSecrets).Set(
		goqu.Record{
			"name":               sec.Name,
			"wrapped_ciphertext": sec.WrappedCiphertext,
			"updated_at":         sec.UpdatedAt,
		},
	).Where(goqu.I("id").Eq(sec.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update secret query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update secret %s: %w", sec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("secret %s", sec.ID)
	}
	return nil
}

func (p *Postgres) DeleteSecret(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableSecrets).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete secret query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("secret %s", id)
	}
	return nil
}

func (p *Postgres) RecordSecretAudit(ctx context.Context, row *model.SecretAuditRow) error {
	query, _, err := p.goqu.Insert(p.tableSecretAudit).Rows(
		goqu.Record{
			"id":           row.ID,
			"secret_id":    row.SecretID,
			"actor_id":     row.ActorID,
			"decrypted_at": row.DecryptedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert secret audit query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("record secret audit for %s: %w", row.SecretID, err)
	}
	return nil
}
