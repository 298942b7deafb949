package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

func (p *Postgres) CreateDLQEntry(ctx context.Context, entry *model.DLQEntry) error {
	envJSON, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableDLQ).Rows(
		goqu.Record{
			"id":              entry.ID,
			"subscription_id": entry.SubscriptionID,
			"envelope":        envJSON,
			"last_error":      entry.LastError,
			"last_status":     entry.LastStatus,
			"attempts":        entry.Attempts,
			"created_at":      entry.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert dlq entry query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create dlq entry %s: %w", entry.ID, err)
	}
	return nil
}

func (p *Postgres) ListDLQ(ctx context.Context) ([]*model.DLQEntry, error) {
	query, _, err := p.goqu.From(p.tableDLQ).
		Select("id", "subscription_id", "envelope", "last_error", "last_status", "attempts", "created_at").
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list dlq query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var out []*model.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error) {
	query, _, err := p.goqu.From(p.tableDLQ).
		Select("id", "subscription_id", "envelope", "last_error", "last_status", "attempts", "created_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get dlq query: %w", err)
	}

	e, err := scanDLQ(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rcrterr.NotFound("dlq entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry %s: %w", id, err)
	}
	return e, nil
}

func (p *Postgres) DeleteDLQ(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableDLQ).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete dlq query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete dlq entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("dlq entry %s", id)
	}
	return nil
}

func scanDLQ(scanner interface{ Scan(dest ...any) error }) (*model.DLQEntry, error) {
	var e model.DLQEntry
	var envJSON json.RawMessage
	if err := scanner.Scan(&e.ID, &e.SubscriptionID, &envJSON, &e.LastError, &e.LastStatus, &e.Attempts, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &e.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal dlq envelope for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
