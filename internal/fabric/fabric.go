package fabric

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/rcrt/internal/model"
)

// SubscriptionStore is the subset of the storage contract (C1) the fabric
// needs to resolve which subscriptions care about a given envelope.
type SubscriptionStore interface {
	ListSubscriptionsByChannel(ctx context.Context, ownerID string, channel model.DeliveryChannel) ([]*model.Subscription, error)
	GetSelector(ctx context.Context, ownerID, id string) (*model.Selector, error)
	CreateDLQEntry(ctx context.Context, entry *model.DLQEntry) error
}

// Fabric is C6: it owns the subject bus and the two edge delivery
// pipelines (SSE, webhook) that read from it.
type Fabric struct {
	store SubscriptionStore
	bus   *Bus

	sse     *SSEHub
	webhook *WebhookDispatcher
}

// New wires a Fabric from a store handle and webhook delivery config.
// Call Start to begin the SSE and webhook consumer loops; Publish is safe
// to call before Start (events simply have no live consumers yet).
func New(store SubscriptionStore, webhookCfg WebhookConfig) *Fabric {
	bus := NewBus()

	return &Fabric{
		store:   store,
		bus:     bus,
		sse:     newSSEHub(bus, store),
		webhook: newWebhookDispatcher(bus, store, webhookCfg),
	}
}

// Start runs the SSE and webhook consumer loops until ctx is cancelled.
// Both are bus subscribers: Bus.Publish never blocks on them.
func (f *Fabric) Start(ctx context.Context) {
	go f.sse.run(ctx)
	go f.webhook.run(ctx)
}

// Publish emits an event envelope for a record mutation. visibility and
// sensitivity are supplied out of band — never on the envelope itself —
// solely so selector predicates can evaluate them.
func (f *Fabric) Publish(env *model.EventEnvelope, visibility model.Visibility, sensitivity model.Sensitivity) {
	f.bus.Publish(env, visibility, sensitivity)
}

// SSEHandler exposes the hub that serves /events/stream connections.
func (f *Fabric) SSEHandler() *SSEHub {
	return f.sse
}

// RetryWebhook performs one out-of-band delivery attempt for a DLQ entry's
// subscription and envelope. The admin DLQ retry endpoint deletes the
// entry on a nil return; a non-nil error leaves it in place for another
// attempt later.
func (f *Fabric) RetryWebhook(ctx context.Context, sub *model.Subscription, env *model.EventEnvelope) error {
	return f.webhook.Redeliver(ctx, sub, env)
}

// Subscribe registers an internal consumer (the entity worker, edge
// builder, or assembler) on the bus and returns its event stream plus an
// unsubscribe function. Unlike the SSE and webhook edges, internal
// consumers see every envelope for every tenant and apply their own
// matching downstream; visibility/sensitivity stay inside the fabric.
func (f *Fabric) Subscribe() (<-chan *model.EventEnvelope, func()) {
	msgs, unsubscribe := f.bus.subscribe()
	out := make(chan *model.EventEnvelope, busBacklog)

	go func() {
		defer close(out)
		for msg := range msgs {
			out <- msg.env
		}
	}()

	return out, unsubscribe
}

// resolveMatchingSubscriptions returns the subscriptions on the given
// channel, for the envelope's owner, whose selector matches it.
func resolveMatchingSubscriptions(
	ctx     context.Context,
	store   SubscriptionStore,
	channel model.DeliveryChannel,
	msg     message,
) ([]*model.Subscription, error) {
	subs, err := store.ListSubscriptionsByChannel(ctx, msg.env.Owner, channel)
	if err != nil {
		return nil, fmt.Errorf("list %s subscriptions for %s: %w", channel, msg.env.Owner, err)
	}

	var matched []*model.Subscription
	for _, sub := range subs {
		sel, err := store.GetSelector(ctx, msg.env.Owner, sub.SelectorID)
		if err != nil {
			slog.Error("fabric: load selector for subscription", "subscription_id", sub.ID, "selector_id", sub.SelectorID, "error", err)
			continue
		}
		if sel.MatchesEnvelope(msg.env, msg.visibility, msg.sensitivity) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}
