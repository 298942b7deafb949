package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/rcrt/internal/model"
)

// heartbeatInterval bounds the SSE comment heartbeat (at least every
// 30s) so intermediate proxies don't time out an idle connection.
const heartbeatInterval = 20 * time.Second

// SSEHub serves the /events/stream long-lived connections. Reconnection
// is entirely client-driven: the hub re-emits nothing on connect.
// Envelopes for a client that stops reading are dropped once its bus
// inbox is full; the connection itself is not closed by the hub.
type SSEHub struct {
	bus   *Bus
	store SubscriptionStore
}

func newSSEHub(bus *Bus, store SubscriptionStore) *SSEHub {
	return &SSEHub{bus: bus, store: store}
}

// run is a no-op consumer loop placeholder kept so Fabric.Start has a
// single uniform shape across its two edge pipelines; the SSE hub's real
// work happens per connection in ServeHTTP, not on a shared loop, since
// each client needs its own bus subscription to preserve per-connection
// back-pressure.
func (h *SSEHub) run(ctx context.Context) {
	<-ctx.Done()
}

// ServeHTTP streams events matching ownerID+agentID's live sse
// subscriptions. Callers are expected to have already authenticated the
// request and resolved ownerID/agentID (auth/identity is out of this
// package's scope).
func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request, ownerID, agentID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	msgs, unsubscribe := h.bus.subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()

		case msg, ok := <-msgs:
			if !ok {
				return
			}

			matched, err := h.agentHasMatchingSubscription(ctx, ownerID, agentID, msg)
			if err != nil {
				slog.Error("sse: resolve subscriptions", "owner", ownerID, "agent", agentID, "error", err)
				continue
			}
			if !matched {
				continue
			}

			h.writeEvent(w, flusher, msg.env)
		}
	}
}

func (h *SSEHub) agentHasMatchingSubscription(ctx context.Context, ownerID, agentID string, msg message) (bool, error) {
	subs, err := resolveMatchingSubscriptions(ctx, h.store, model.ChannelSSE, msg)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.OwnerID == ownerID && sub.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (h *SSEHub) writeEvent(w http.ResponseWriter, flusher http.Flusher, env *model.EventEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("sse: marshal envelope", "record_id", env.RecordID, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
