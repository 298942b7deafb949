package sqlite3

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

func (s *SQLite) CreateDLQEntry(ctx context.Context, entry *model.DLQEntry) error {
	envJSON, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableDLQ).Rows(
		goqu.Record{
			"id":              entry.ID,
			"subscription_id": entry.SubscriptionID,
			"envelope":        string(envJSON),
			"last_error":      entry.LastError,
			"last_status":     entry.LastStatus,
			"attempts":        entry.Attempts,
			"created_at":      formatTime(entry.CreatedAt),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert dlq entry query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create dlq entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLite) ListDLQ(ctx context.Context) ([]*model.DLQEntry, error) {
	query, _, err := s.goqu.From(s.tableDLQ).
		Select("id", "subscription_id", "envelope", "last_error", "last_status", "attempts", "created_at").
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list dlq query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLite) GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error) {
	query, _, err := s.goqu.From(s.tableDLQ).
		Select("id", "subscription_id", "envelope", "last_error", "last_status", "attempts", "created_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get dlq query: %w", err)
	}

	e, err := scanDLQ(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rcrterr.NotFound("dlq entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLite) DeleteDLQ(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableDLQ).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete dlq query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query)
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
	var createdAt string
	if err := scanner.Scan(&e.ID, &e.SubscriptionID, &envJSON, &e.LastError, &e.LastStatus, &e.Attempts, &createdAt); err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &e.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal dlq envelope for %s: %w", e.ID, err)
		}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse dlq created_at: %w", err)
	}
	e.CreatedAt = t
	return &e, nil
}
