package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
)

// ListRecordsMissingEntityKeywords returns up to batchSize records across
// every tenant whose entity_keywords is still the empty-array default, for
// the entity worker's (C7) startup backfill sweep.
func (p *Postgres) ListRecordsMissingEntityKeywords(ctx context.Context, batchSize int) ([]*model.Record, error) {
	sel := p.goqu.From(p.tableRecords).
		Select(recordColumns...).
		Where(goqu.I("entity_keywords").Eq("[]")).
		Order(goqu.I("created_at").Asc())
	if batchSize > 0 {
		sel = sel.Limit(uint(batchSize))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build missing-entity-keywords select query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select records missing entity keywords: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record missing entity keywords: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
