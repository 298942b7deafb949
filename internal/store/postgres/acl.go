package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
)

func (p *Postgres) CreateACLGrant(ctx context.Context, grant *model.ACLGrant) error {
	query, _, err := p.goqu.Insert(p.tableACLs).Rows(
		goqu.Record{
			"id":         grant.ID,
			"record_id":  grant.RecordID,
			"grantee_id": grant.GranteeID,
			"action":     string(grant.Action),
			"granted_at": grant.GrantedAt,
			"granted_by": grant.GrantedBy,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert acl grant query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create acl grant %s: %w", grant.ID, err)
	}
	return nil
}

func (p *Postgres) RevokeACLGrant(ctx context.Context, _, recordID, granteeID string, action model.ACLAction) error {
	query, _, err := p.goqu.Delete(p.tableACLs).
		Where(
			goqu.I("record_id").Eq(recordID),
			goqu.I("grantee_id").Eq(granteeID),
			goqu.I("action").Eq(string(action)),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build revoke acl grant query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("revoke acl grant on %s for %s: %w", recordID, granteeID, err)
	}
	return nil
}

func (p *Postgres) ListACLGrants(ctx context.Context, recordID string) ([]*model.ACLGrant, error) {
	query, _, err := p.goqu.From(p.tableACLs).
		Select("id", "record_id", "grantee_id", "action", "granted_at", "granted_by").
		Where(goqu.I("record_id").Eq(recordID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list acl grants query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list acl grants for %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []*model.ACLGrant
	for rows.Next() {
		var g model.ACLGrant
		var action string
		var grantedAt time.Time
		if err := rows.Scan(&g.ID, &g.RecordID, &g.GranteeID, &action, &grantedAt, &g.GrantedBy); err != nil {
			return nil, fmt.Errorf("scan acl grant row: %w", err)
		}
		g.Action = model.ACLAction(action)
		g.GrantedAt = grantedAt
		out = append(out, &g)
	}
	return out, rows.Err()
}
