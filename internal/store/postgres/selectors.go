package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

func (p *Postgres) CreateSelector(ctx context.Context, sel *model.Selector) error {
	values, err := selectorToRow(sel)
	if err != nil {
		return err
	}

	query, _, err := p.goqu.Insert(p.tableSelectors).Rows(values).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert selector query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create selector %s: %w", sel.ID, err)
	}
	return nil
}

func (p *Postgres) GetSelector(ctx context.Context, ownerID, id string) (*model.Selector, error) {
	query, _, err := p.goqu.From(p.tableSelectors).
		Select(selectorColumns...).
		Where(goqu.I("id").Eq(id), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get selector query: %w", err)
	}

	sel, err := scanSelector(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rcrterr.NotFound("selector %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get selector %s: %w", id, err)
	}
	return sel, nil
}

func (p *Postgres) UpdateSelector(ctx context.Context, sel *model.Selector) error {
	values, err := selectorToRow(sel)
	if err != nil {
		return err
	}
	delete(values, "id")
	delete(values, "owner_id")
	delete(values, "created_at")

	query, _, err := p.goqu.Update(p.tableSelectors).Set(values).
		Where(goqu.I("id").Eq(sel.ID), goqu.I("owner_id").Eq(sel.OwnerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update selector query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update selector %s: %w", sel.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("selector %s", sel.ID)
	}
	return nil
}

func (p *Postgres) DeleteSelector(ctx context.Context, ownerID, id string) error {
	query, _, err := p.goqu.Delete(p.tableSelectors).
		Where(goqu.I("id").Eq(id), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete selector query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete selector %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("selector %s", id)
	}
	return nil
}

func (p *Postgres) ListSelectorsByAgent(ctx context.Context, ownerID, agentID string) ([]*model.Selector, error) {
	query, _, err := p.goqu.From(p.tableSelectors).
		Select(selectorColumns...).
		Where(goqu.I("owner_id").Eq(ownerID), goqu.I("agent_id").Eq(agentID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list selectors query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list selectors for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*model.Selector
	for rows.Next() {
		sel, err := scanSelector(rows)
		if err != nil {
			return nil, fmt.Errorf("scan selector row: %w", err)
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

var selectorColumns = []any{
	"id", "owner_id", "agent_id", "schema_name", "any_tags", "all_tags",
	"none_tags", "sensitivity_in", "visibility_in", "context_match", "created_at",
}

func selectorToRow(sel *model.Selector) (goqu.Record, error) {
	anyTags, err := json.Marshal(sel.AnyTags)
	if err != nil {
		return nil, err
	}
	allTags, err := json.Marshal(sel.AllTags)
	if err != nil {
		return nil, err
	}
	noneTags, err := json.Marshal(sel.NoneTags)
	if err != nil {
		return nil, err
	}
	sensIn, err := json.Marshal(sel.SensitivityIn)
	if err != nil {
		return nil, err
	}
	visIn, err := json.Marshal(sel.VisibilityIn)
	if err != nil {
		return nil, err
	}
	ctxMatch, err := json.Marshal(sel.ContextMatches)
	if err != nil {
		return nil, err
	}

	return goqu.Record{
		"id":             sel.ID,
		"owner_id":       sel.OwnerID,
		"agent_id":       sel.AgentID,
		"schema_name":    sel.SchemaName,
		"any_tags":       anyTags,
		"all_tags":       allTags,
		"none_tags":      noneTags,
		"sensitivity_in": sensIn,
		"visibility_in":  visIn,
		"context_match":  ctxMatch,
		"created_at":     sel.CreatedAt,
	}, nil
}

func scanSelector(scanner interface{ Scan(dest ...any) error }) (*model.Selector, error) {
	var (
		sel                                                     model.Selector
		anyTags, allTags, noneTags, sensIn, visIn, ctxMatch json.RawMessage
	)
	if err := scanner.Scan(
		&sel.ID, &sel.OwnerID, &sel.AgentID, &sel.SchemaName, &anyTags,
		&allTags, &noneTags, &sensIn, &visIn, &ctxMatch, &sel.CreatedAt,
	); err != nil {
		return nil, err
	}

	_ = json.Unmarshal(anyTags, &sel.AnyTags)
	_ = json.Unmarshal(allTags, &sel.AllTags)
	_ = json.Unmarshal(noneTags, &sel.NoneTags)
	_ = json.Unmarshal(sensIn, &sel.SensitivityIn)
	_ = json.Unmarshal(visIn, &sel.VisibilityIn)
	_ = json.Unmarshal(ctxMatch, &sel.ContextMatches)

	return &sel, nil
}

// ─── Subscriptions ───

func (p *Postgres) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	query, _, err := p.goqu.Insert(p.tableSubscriptions).Rows(
		goqu.Record{
			"id":           sub.ID,
			"owner_id":     sub.OwnerID,
			"agent_id":     sub.AgentID,
			"selector_id":  sub.SelectorID,
			"channel":      string(sub.Channel),
			"webhook_url":  sub.WebhookURL,
			"webhook_hmac": sub.WebhookHMAC,
			"retry_max":    sub.RetryMax,
			"created_at":   sub.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert subscription query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, ownerID, id string) error {
	query, _, err := p.goqu.Delete(p.tableSubscriptions).
		Where(goqu.I("id").Eq(id), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete subscription query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rcrterr.NotFound("subscription %s", id)
	}
	return nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, ownerID string) ([]*model.Subscription, error) {
	return p.listSubscriptions(ctx, goqu.I("owner_id").Eq(ownerID))
}

func (p *Postgres) ListSubscriptionsByChannel(ctx context.Context, ownerID string, channel model.DeliveryChannel) ([]*model.Subscription, error) {
	return p.listSubscriptions(ctx, goqu.I("owner_id").Eq(ownerID), goqu.I("channel").Eq(string(channel)))
}

func (p *Postgres) listSubscriptions(ctx context.Context, where ...goqu.Expression) ([]*model.Subscription, error) {
	query, _, err := p.goqu.From(p.tableSubscriptions).
		Select("id", "owner_id", "agent_id", "selector_id", "channel", "webhook_url", "webhook_hmac", "retry_max", "created_at").
		Where(where...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list subscriptions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var channel string
		var createdAt time.Time
		if err := rows.Scan(&sub.ID, &sub.OwnerID, &sub.AgentID, &sub.SelectorID, &channel, &sub.WebhookURL, &sub.WebhookHMAC, &sub.RetryMax, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		sub.Channel = model.DeliveryChannel(channel)
		sub.CreatedAt = createdAt
		out = append(out, &sub)
	}
	return out, rows.Err()
}
