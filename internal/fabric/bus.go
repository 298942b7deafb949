// Package fabric implements C6, the change fabric: every record mutation
// publishes a small, context-free event envelope to an in-process subject
// bus, and two edge delivery modes — SSE and signed webhooks — read from
// that bus to fan events out to subscribers. A failure delivering to one
// subscription never affects another (propagation policy).
package fabric

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/rcrt/internal/model"
)

// busBacklog bounds each subscriber's inbox; once a slow reader's inbox is
// full, further envelopes for it are dropped rather than allowed to block
// the publisher, instead of queuing unboundedly. The reader itself stays
// subscribed.
const busBacklog = 256

// message is what actually travels on the bus: the wire envelope plus the
// visibility/sensitivity a selector needs to evaluate it. Those two fields
// are deliberately never added to model.EventEnvelope itself — context
// (and anything derived from it) must never ride on the envelope that
// leaves the process.
type message struct {
	env         *model.EventEnvelope
	visibility  model.Visibility
	sensitivity model.Sensitivity
}

// Bus is the inner transport: SSE and webhooks are edge delivery modes
// reading from it. It is a plain in-process fan-out — subject-based filtering happens in
// the consumer, not the bus, since every internal consumer (C7, C8, C9,
// the SSE hub, the webhook dispatcher) wants a different slice of the
// stream.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]chan message
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[string]chan message)}
}

// subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed by unsubscribe, never by the
// bus spontaneously.
func (b *Bus) subscribe() (<-chan message, func()) {
	key := ulid.Make().String()
	ch := make(chan message, busBacklog)

	b.mu.Lock()
	b.listeners[key] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.listeners[key]; ok {
			delete(b.listeners, key)
			close(existing)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish fans env out to every live subscriber. A subscriber whose inbox
// is full is skipped for this envelope rather than blocking the publisher
// — publish is on the record-write hot path and must not stall on a slow
// consumer.
func (b *Bus) Publish(env *model.EventEnvelope, visibility model.Visibility, sensitivity model.Sensitivity) {
	msg := message{env: env, visibility: visibility, sensitivity: sensitivity}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.listeners {
		select {
		case ch <- msg:
		default:
			// Dropped: the per-record FIFO guarantee is scoped to
			// subscribers that keep up; a reconnecting SSE client or a
			// retried webhook delivery already has its own recovery path.
		}
	}
}
