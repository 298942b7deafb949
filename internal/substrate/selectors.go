package substrate

import (
	"context"
	"time"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

// CreateSelector persists a new predicate owned by identity.Subject.
func (s *Substrate) CreateSelector(ctx context.Context, identity model.Identity, sel model.Selector) (*model.Selector, error) {
	sel.ID = newULID()
	sel.OwnerID = identity.OwnerID
	sel.AgentID = identity.Subject
	sel.CreatedAt = time.Now().UTC()

	if err := s.store.CreateSelector(ctx, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

func (s *Substrate) GetSelector(ctx context.Context, ownerID, id string) (*model.Selector, error) {
	return s.store.GetSelector(ctx, ownerID, id)
}

// UpdateSelector overwrites an existing selector's predicate fields in
// place. The id/owner/agent binding is immutable; only the predicate
// itself is replaceable.
func (s *Substrate) UpdateSelector(ctx context.Context, identity model.Identity, id string, sel model.Selector) (*model.Selector, error) {
	existing, err := s.store.GetSelector(ctx, identity.OwnerID, id)
	if err != nil {
		return nil, err
	}
	if existing.AgentID != identity.Subject && !identity.IsCurator() {
		return nil, rcrterr.Forbidden("selector %s is owned by a different agent", id)
	}

	sel.ID = existing.ID
	sel.OwnerID = existing.OwnerID
	sel.AgentID = existing.AgentID
	sel.CreatedAt = existing.CreatedAt

	if err := s.store.UpdateSelector(ctx, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

func (s *Substrate) DeleteSelector(ctx context.Context, ownerID, id string) error {
	return s.store.DeleteSelector(ctx, ownerID, id)
}

func (s *Substrate) ListSelectorsByAgent(ctx context.Context, ownerID, agentID string) ([]*model.Selector, error) {
	return s.store.ListSelectorsByAgent(ctx, ownerID, agentID)
}

// CreateSubscription binds an agent's selector to a delivery channel. For
// webhook subscriptions, webhookHMAC is the caller-supplied signing secret
// (kept only in the store, never echoed back over the API).
func (s *Substrate) CreateSubscription(ctx context.Context, identity model.Identity, selectorID string, channel model.DeliveryChannel, webhookURL, webhookHMAC string, retryMax int) (*model.Subscription, error) {
	if _, err := s.store.GetSelector(ctx, identity.OwnerID, selectorID); err != nil {
		return nil, err
	}
	if channel == model.ChannelWebhook && webhookURL == "" {
		return nil, rcrterr.BadRequest("webhook_url is required for channel=webhook")
	}

	sub := &model.Subscription{
		ID:          newULID(),
		OwnerID:     identity.OwnerID,
		AgentID:     identity.Subject,
		SelectorID:  selectorID,
		Channel:     channel,
		WebhookURL:  webhookURL,
		WebhookHMAC: webhookHMAC,
		RetryMax:    retryMax,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Substrate) DeleteSubscription(ctx context.Context, ownerID, id string) error {
	return s.store.DeleteSubscription(ctx, ownerID, id)
}

func (s *Substrate) ListSubscriptions(ctx context.Context, ownerID string) ([]*model.Subscription, error) {
	return s.store.ListSubscriptions(ctx, ownerID)
}
