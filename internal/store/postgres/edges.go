package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
)

func (p *Postgres) InsertEdgesBulk(ctx context.Context, edges []model.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	rows := make([]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, goqu.Record{
			"owner_id":   e.OwnerID,
			"from_id":    e.FromID,
			"to_id":      e.ToID,
			"edge_type":  string(e.EdgeType),
			"weight":     e.Weight,
			"created_at": e.CreatedAt,
		})
	}

	query, _, err := p.goqu.Insert(p.tableEdges).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert edges query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert %d edges: %w", len(edges), err)
	}
	return nil
}

func (p *Postgres) ListEdgesAmong(ctx context.Context, ownerID string, recordIDs []string) ([]model.Edge, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	ids := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		ids[i] = id
	}

	query, _, err := p.goqu.From(p.tableEdges).
		Select("owner_id", "from_id", "to_id", "edge_type", "weight", "created_at").
		Where(
			goqu.I("owner_id").Eq(ownerID),
			goqu.Or(goqu.I("from_id").In(ids...), goqu.I("to_id").In(ids...)),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list edges query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list edges among %d records: %w", len(recordIDs), err)
	}
	defer rows.Close()

	var out []model.Edge
	for rows.Next() {
		var e model.Edge
		var edgeType string
		if err := rows.Scan(&e.OwnerID, &e.FromID, &e.ToID, &edgeType, &e.Weight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge row: %w", err)
		}
		e.EdgeType = model.EdgeType(edgeType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) TagNeighbors(ctx context.Context, ownerID, tag, excludeID string, limit int) ([]string, error) {
	tagJSON, err := json.Marshal([]string{tag})
	if err != nil {
		return nil, err
	}

	sel := p.goqu.From(p.tableRecords).
		Select("id").
		Where(
			goqu.I("owner_id").Eq(ownerID),
			goqu.I("id").Neq(excludeID),
			goqu.L("tags::jsonb @> ?::jsonb", string(tagJSON)),
		)
	if limit > 0 {
		sel = sel.Limit(uint(limit))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build tag neighbors query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tag neighbors for %q: %w", tag, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) SessionNeighbors(ctx context.Context, ownerID, sessionTag, excludeID string, since time.Time, limit int) ([]string, error) {
	tagJSON, err := json.Marshal([]string{sessionTag})
	if err != nil {
		return nil, err
	}

	sel := p.goqu.From(p.tableRecords).
		Select("id").
		Where(
			goqu.I("owner_id").Eq(ownerID),
			goqu.I("id").Neq(excludeID),
			goqu.I("updated_at").Gt(since),
			goqu.L("tags::jsonb @> ?::jsonb", string(tagJSON)),
		).
		Order(goqu.I("updated_at").Desc())
	if limit > 0 {
		sel = sel.Limit(uint(limit))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build session neighbors query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("session neighbors for %q: %w", sessionTag, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
