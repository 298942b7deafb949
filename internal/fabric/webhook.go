package fabric

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/rcrt/internal/model"
)

// defaultRetryMax is the default capped attempt count for webhook
// delivery retries (configurable per subscription).
const defaultRetryMax = 6

// webhookConcurrency bounds in-flight deliveries — one goroutine per
// in-flight webhook call, gated by a semaphore.
const webhookConcurrency = 32

// WebhookConfig configures the webhook edge delivery pipeline.
type WebhookConfig struct {
	// RecordURLPrefix builds the record_url retrieval hint in the
	// delivered body: RecordURLPrefix + "/" + recordID.
	RecordURLPrefix string
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// Client lets callers supply a pre-configured http.Client; a default
	// one is used if nil.
	Client *http.Client
}

// webhookPayload is the JSON body delivered to a subscriber: the event
// envelope plus a record_url retrieval hint.
type webhookPayload struct {
	*model.EventEnvelope
	RecordURL string  `json:"record_url"`
}

// WebhookDispatcher is C6's webhook edge: it reads the bus, resolves
// matching webhook subscriptions, and delivers each with HMAC signing,
// exponential backoff with jitter, and DLQ routing on exhaustion.
type WebhookDispatcher struct {
	bus    *Bus
	store  SubscriptionStore
	cfg    WebhookConfig
	client *http.Client
	sem chan struct{}
}

func newWebhookDispatcher(bus *Bus, store SubscriptionStore, cfg WebhookConfig) *WebhookDispatcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &WebhookDispatcher{
		bus:    bus,
		store:  store,
		cfg:    cfg,
		client: client,
		sem:    make(chan struct{}, webhookConcurrency),
	}
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	msgs, unsubscribe := d.bus.subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				return
			}

			subs, err := resolveMatchingSubscriptions(ctx, d.store, model.ChannelWebhook, msg)
			if err != nil {
				slog.Error("webhook: resolve subscriptions", "owner", msg.env.Owner, "error", err)
				continue
			}

			for _, sub := range subs {
				sub := sub
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.deliver(ctx, sub, msg.env)
				}()
			}
		}
	}
}

// deliver runs the full retry-until-exhaustion loop for one subscription,
// one envelope. A failure here never touches other subscriptions' state
// (propagation policy: asynchronous consumers log and continue).
func (d *WebhookDispatcher) deliver(ctx context.Context, sub *model.Subscription, env *model.EventEnvelope) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	body, err := json.Marshal(webhookPayload{
		EventEnvelope: env,
		RecordURL:     d.cfg.RecordURLPrefix + "/" + env.RecordID,
	})
	if err != nil {
		slog.Error("webhook: marshal payload", "subscription_id", sub.ID, "error", err)
		return
	}

	retryMax := sub.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time

	var (
		lastErr    string
		lastStatus int
	)

	for attempt := 1; attempt <= retryMax; attempt++ {
		status, err := d.attempt(ctx, sub, body)
		if err == nil && status >= 200 && status < 300 {
			return
		}

		lastStatus = status
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("subscriber returned status %d", status)
		}

		if attempt == retryMax {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}

	d.sendToDLQ(ctx, sub, env, lastErr, lastStatus, retryMax)
}

// attempt performs one HTTP POST, returning the response status (0 if the
// request itself failed) and any transport-level error.
func (d *WebhookDispatcher) attempt(ctx context.Context, sub *model.Subscription, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RCRT-Timestamp", strconv.FormatInt(time.Now().UTC().Unix(), 10))
	if sub.WebhookHMAC != "" {
		req.Header.Set("X-RCRT-Signature", "sha256="+signHMAC(sub.WebhookHMAC, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// Redeliver performs a single delivery attempt outside the automatic
// retry loop, for the admin DLQ retry endpoint. It never touches the DLQ
// itself — the caller deletes the entry on success.
func (d *WebhookDispatcher) Redeliver(ctx context.Context, sub *model.Subscription, env *model.EventEnvelope) error {
	body, err := json.Marshal(webhookPayload{
		EventEnvelope: env,
		RecordURL:     d.cfg.RecordURLPrefix + "/" + env.RecordID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	status, err := d.attempt(ctx, sub, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("subscriber returned status %d", status)
	}
	return nil
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) sendToDLQ(ctx context.Context, sub *model.Subscription, env *model.EventEnvelope, lastErr string, lastStatus, attempts int) {
	entry := &model.DLQEntry{
		ID:             ulid.Make().String(),
		SubscriptionID: sub.ID,
		Envelope:       *env,
		LastError:      lastErr,
		LastStatus:     lastStatus,
		Attempts:       attempts,
		CreatedAt:      time.Now().UTC(),
	}

	if err := d.store.CreateDLQEntry(ctx, entry); err != nil {
		slog.Error("webhook: write DLQ entry", "subscription_id", sub.ID, "record_id", env.RecordID, "error", err)
		return
	}

	slog.Warn("webhook: delivery exhausted, routed to DLQ",
		"subscription_id", sub.ID, "record_id", env.RecordID, "attempts", attempts, "last_status", lastStatus)
}
