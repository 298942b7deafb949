package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

type responseMessage struct {
	Message string `json:"message"`
}

func jsonResponse(w http.ResponseWriter, v any, code int) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func errResponse(w http.ResponseWriter, err error) {
	jsonResponse(w, responseMessage{Message: err.Error()}, rcrterr.Code(err))
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func (a *Admin) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// HealthHandler answers a liveness probe: the process is up and serving
// HTTP. The store is not consulted.
func (a *Admin) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, responseMessage{Message: "ok"}, http.StatusOK)
}

// PurgeHandler triggers an out-of-band TTL sweep (POST /admin/purge), for
// operators who don't want to wait for the next tick.
func (a *Admin) PurgeHandler(w http.ResponseWriter, r *http.Request) {
	count, err := a.Sweep(r.Context())
	if err != nil {
		errResponse(w, rcrterr.Upstream("hygiene sweep failed: %v", err))
		return
	}
	jsonResponse(w, struct {
		Purged int `json:"purged"`
	}{Purged: count}, http.StatusOK)
}

// ListDLQHandler answers GET /dlq.
func (a *Admin) ListDLQHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.ListDLQ(r.Context())
	if err != nil {
		errResponse(w, rcrterr.Upstream("list dlq: %v", err))
		return
	}
	jsonResponse(w, entries, http.StatusOK)
}

// DeleteDLQHandler answers DELETE /dlq/{id}: manual dismissal with no
// delivery attempt.
func (a *Admin) DeleteDLQHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetDLQ(r.Context(), id); err != nil {
		errResponse(w, rcrterr.NotFound("dlq entry %s", id))
		return
	}
	if err := a.store.DeleteDLQ(r.Context(), id); err != nil {
		errResponse(w, rcrterr.Upstream("delete dlq entry: %v", err))
		return
	}
	jsonResponse(w, responseMessage{Message: "deleted"}, http.StatusOK)
}

// RetryDLQHandler answers POST /dlq/{id}/retry: a single out-of-band
// delivery attempt against the entry's subscription. Success clears the
// row; failure leaves it for a later retry.
func (a *Admin) RetryDLQHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	entry, err := a.store.GetDLQ(ctx, id)
	if err != nil {
		errResponse(w, rcrterr.NotFound("dlq entry %s", id))
		return
	}

	subs, err := a.store.ListSubscriptions(ctx, entry.Envelope.Owner)
	if err != nil {
		errResponse(w, rcrterr.Upstream("list subscriptions: %v", err))
		return
	}

	var sub *model.Subscription
	for _, s := range subs {
		if s.ID == entry.SubscriptionID {
			sub = s
			break
		}
	}
	if sub == nil {
		errResponse(w, rcrterr.NotFound("subscription %s for dlq entry %s no longer exists", entry.SubscriptionID, id))
		return
	}

	retryErr := a.fabric.RetryWebhook(ctx, sub, &entry.Envelope)
	if retryErr != nil {
		if a.m != nil {
			a.m.retryFailure.Add(ctx, 1)
		}
		errResponse(w, rcrterr.Upstream("redeliver: %v", retryErr))
		return
	}

	if a.m != nil {
		a.m.retrySuccess.Add(ctx, 1)
	}
	if err := a.store.DeleteDLQ(ctx, id); err != nil && !errors.Is(err, rcrterr.ErrNotFound) {
		errResponse(w, rcrterr.Upstream("delivery succeeded but clearing dlq entry failed: %v", err))
		return
	}

	jsonResponse(w, responseMessage{Message: "redelivered"}, http.StatusOK)
}
