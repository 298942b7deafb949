package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
)

// FindRecordsBySchemaAndTag serves C3's schema.def.v1 lookup (schemaName
// set, tag empty) and C9 step 3's always-source schema/tag seeding.
func (p *Postgres) FindRecordsBySchemaAndTag(ctx context.Context, ownerID, schemaName, tag string, limit int) ([]*model.Record, error) {
	sel := p.goqu.From(p.tableRecords).
		Select(recordColumns...).
		Where(goqu.I("owner_id").Eq(ownerID))

	if schemaName != "" {
		sel = sel.Where(goqu.I("schema_name").Eq(schemaName))
	}
	if tag != "" {
		tagJSON, err := json.Marshal([]string{tag})
		if err != nil {
			return nil, err
		}
		sel = sel.Where(goqu.L("tags::jsonb @> ?::jsonb", string(tagJSON)))
	}
	sel = sel.Order(goqu.I("updated_at").Desc())
	if limit > 0 {
		sel = sel.Limit(uint(limit))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find-by-schema-tag query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find records by schema %q tag %q: %w", schemaName, tag, err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAllAgentDefs scans every tenant for agent.def.v1 records — C9 step 1
// discovers candidate agents this way on each trigger event.
func (p *Postgres) ListAllAgentDefs(ctx context.Context) ([]*model.Record, error) {
	query, _, err := p.goqu.From(p.tableRecords).
		Select(recordColumns...).
		Where(goqu.I("schema_name").Eq("agent.def.v1")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list agent defs query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agent defs: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
