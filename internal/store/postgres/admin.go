package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
)

// PurgeExpired deletes up to batchSize records whose ttl has passed before
// "before", returning the purged rows so the hygiene sweeper (C11) can emit
// a deleted event per row.
func (p *Postgres) PurgeExpired(ctx context.Context, before time.Time, batchSize int) ([]*model.Record, error) {
	sel := p.goqu.From(p.tableRecords).
		Select(recordColumns...).
		Where(goqu.I("ttl").IsNotNull(), goqu.I("ttl").Lt(before)).
		Order(goqu.I("ttl").Asc())
	if batchSize > 0 {
		sel = sel.Limit(uint(batchSize))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build purge-expired select query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select expired records: %w", err)
	}

	var expired []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired record row: %w", err)
		}
		expired = append(expired, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]any, len(expired))
	for i, rec := range expired {
		ids[i] = rec.ID
	}

	delQuery, _, err := p.goqu.Delete(p.tableRecords).Where(goqu.I("id").In(ids...)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build purge-expired delete query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, delQuery); err != nil {
		return nil, fmt.Errorf("delete expired records: %w", err)
	}

	return expired, nil
}
