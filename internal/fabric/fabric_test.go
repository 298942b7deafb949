package fabric

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/rcrt/internal/model"
)

type fakeStore struct {
	mu   sync.Mutex
	subs []*model.Subscription
	sels map[string]*model.Selector
	dlq  []*model.DLQEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{sels: make(map[string]*model.Selector)}
}

func (f *fakeStore) ListSubscriptionsByChannel(_ context.Context, ownerID string, channel model.DeliveryChannel) ([]*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Subscription
	for _, s := range f.subs {
		if s.OwnerID == ownerID && s.Channel == channel {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSelector(_ context.Context, _, id string) (*model.Selector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sels[id], nil
}

func (f *fakeStore) CreateDLQEntry(_ context.Context, entry *model.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, entry)
	return nil
}

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.subscribe()
	defer unsub1()
	ch2, unsub2 := bus.subscribe()
	defer unsub2()

	env := &model.EventEnvelope{RecordID: "r1", Owner: "tenant-a", Type: model.EventCreated}
	bus.Publish(env, model.VisibilityPublic, model.SensitivityLow)

	for _, ch := range []<-chan message{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.env.RecordID != "r1" {
				t.Errorf("unexpected record id %q", msg.env.RecordID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published message")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestWebhookDispatcher_DeliversAndSigns(t *testing.T) {
	secret := "whsec-test"
	var gotBody []byte
	var gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-RCRT-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.sels["sel-1"] = &model.Selector{ID: "sel-1", OwnerID: "tenant-a"}
	store.subs = append(store.subs, &model.Subscription{
		ID: "sub-1", OwnerID: "tenant-a", AgentID: "agent-a",
		SelectorID: "sel-1", Channel: model.ChannelWebhook,
		WebhookURL: srv.URL, WebhookHMAC: secret, RetryMax: 3,
	})

	bus := NewBus()
	d := newWebhookDispatcher(bus, store, WebhookConfig{RecordURLPrefix: "https://rcrt.local/records"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	env := &model.EventEnvelope{RecordID: "r1", Owner: "tenant-a", Type: model.EventCreated, Version: 1}
	bus.Publish(env, model.VisibilityPublic, model.SensitivityLow)

	deadline := time.After(2 * time.Second)
	for gotBody == nil {
		select {
		case <-deadline:
			t.Fatal("webhook was never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	wantSig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != wantSig {
		t.Errorf("signature mismatch: got %q want %q", gotSig, wantSig)
	}

	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal delivered body: %v", err)
	}
	if payload.RecordURL != "https://rcrt.local/records/r1" {
		t.Errorf("unexpected record_url %q", payload.RecordURL)
	}
	if store.dlq != nil {
		t.Fatal("expected no DLQ entry for a successful delivery")
	}
}

func TestWebhookDispatcher_ExhaustsToDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.sels["sel-1"] = &model.Selector{ID: "sel-1", OwnerID: "tenant-a"}
	store.subs = append(store.subs, &model.Subscription{
		ID: "sub-1", OwnerID: "tenant-a", AgentID: "agent-a",
		SelectorID: "sel-1", Channel: model.ChannelWebhook,
		WebhookURL: srv.URL, RetryMax: 2,
	})

	bus := NewBus()
	d := newWebhookDispatcher(bus, store, WebhookConfig{RecordURLPrefix: "https://rcrt.local/records"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	env := &model.EventEnvelope{RecordID: "r1", Owner: "tenant-a", Type: model.EventCreated}
	bus.Publish(env, model.VisibilityPublic, model.SensitivityLow)

	deadline := time.After(5 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.dlq)
		store.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a DLQ entry after retry exhaustion")
		case <-time.After(10 * time.Millisecond):
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.dlq[0].LastStatus != http.StatusInternalServerError {
		t.Errorf("expected last_status 500, got %d", store.dlq[0].LastStatus)
	}
	if store.dlq[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", store.dlq[0].Attempts)
	}
}
