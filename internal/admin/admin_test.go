package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	expired    []*model.Record
	dlq        map[string]*model.DLQEntry
	subs       map[string][]*model.Subscription
	deleted    []string
	purgeCalls int
}

func (f *fakeStore) PurgeExpired(_ context.Context, _ time.Time, batchSize int) ([]*model.Record, error) {
	f.purgeCalls++
	if f.purgeCalls > 1 {
		return nil, nil
	}
	out := f.expired
	if batchSize > 0 && len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (f *fakeStore) ListDLQ(context.Context) ([]*model.DLQEntry, error) {
	var out []*model.DLQEntry
	for _, e := range f.dlq {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) GetDLQ(_ context.Context, id string) (*model.DLQEntry, error) {
	e, ok := f.dlq[id]
	if !ok {
		return nil, errNotFound
	}
	return e, nil
}

func (f *fakeStore) DeleteDLQ(_ context.Context, id string) error {
	if _, ok := f.dlq[id]; !ok {
		return errNotFound
	}
	delete(f.dlq, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) ListSubscriptions(_ context.Context, ownerID string) ([]*model.Subscription, error) {
	return f.subs[ownerID], nil
}

type fakeFabric struct {
	published []*model.EventEnvelope
	retryErr  error
	retried   []*model.Subscription
}

func (f *fakeFabric) Publish(env *model.EventEnvelope, _ model.Visibility, _ model.Sensitivity) {
	f.published = append(f.published, env)
}

func (f *fakeFabric) RetryWebhook(_ context.Context, sub *model.Subscription, _ *model.EventEnvelope) error {
	f.retried = append(f.retried, sub)
	return f.retryErr
}

func newAdmin(t *testing.T, st *fakeStore, fab *fakeFabric) *Admin {
	t.Helper()
	a, err := New(st, fab, nil, config.Admin{HygieneBatchSize: 2, HygieneInterval: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSweep_AnnouncesEachPurgedRecord(t *testing.T) {
	st := &fakeStore{
		expired: []*model.Record{
			{ID: "r1", OwnerID: "tenant-a", Visibility: model.VisibilityTeam, Sensitivity: model.SensitivityLow},
			{ID: "r2", OwnerID: "tenant-a", Visibility: model.VisibilityTeam, Sensitivity: model.SensitivityLow},
		},
	}
	fab := &fakeFabric{}
	a := newAdmin(t, st, fab)

	count, err := a.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 purged, got %d", count)
	}
	if len(fab.published) != 2 {
		t.Fatalf("expected 2 published deletions, got %d", len(fab.published))
	}
	for _, env := range fab.published {
		if env.Type != model.EventDeleted {
			t.Errorf("expected deleted event, got %s", env.Type)
		}
	}
}

func TestRetryDLQHandler_SuccessClearsEntry(t *testing.T) {
	entry := &model.DLQEntry{ID: "e1", SubscriptionID: "s1", Envelope: model.EventEnvelope{Owner: "tenant-a", RecordID: "r1"}}
	sub := &model.Subscription{ID: "s1", OwnerID: "tenant-a", WebhookURL: "http://example.test/hook"}
	st := &fakeStore{
		dlq:  map[string]*model.DLQEntry{"e1": entry},
		subs: map[string][]*model.Subscription{"tenant-a": {sub}},
	}
	fab := &fakeFabric{}
	a := newAdmin(t, st, fab)

	req := httptest.NewRequest(http.MethodPost, "/dlq/e1/retry", nil)
	req.SetPathValue("id", "e1")
	w := httptest.NewRecorder()

	a.RetryDLQHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := st.dlq["e1"]; ok {
		t.Fatal("expected dlq entry to be cleared on successful retry")
	}
	if len(fab.retried) != 1 || fab.retried[0].ID != "s1" {
		t.Fatalf("expected retry against subscription s1, got %+v", fab.retried)
	}
}

func TestRetryDLQHandler_FailureLeavesEntryInPlace(t *testing.T) {
	entry := &model.DLQEntry{ID: "e1", SubscriptionID: "s1", Envelope: model.EventEnvelope{Owner: "tenant-a", RecordID: "r1"}}
	sub := &model.Subscription{ID: "s1", OwnerID: "tenant-a", WebhookURL: "http://example.test/hook"}
	st := &fakeStore{
		dlq:  map[string]*model.DLQEntry{"e1": entry},
		subs: map[string][]*model.Subscription{"tenant-a": {sub}},
	}
	fab := &fakeFabric{retryErr: context.DeadlineExceeded}
	a := newAdmin(t, st, fab)

	req := httptest.NewRequest(http.MethodPost, "/dlq/e1/retry", nil)
	req.SetPathValue("id", "e1")
	w := httptest.NewRecorder()

	a.RetryDLQHandler(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected a non-200 status on delivery failure, got %d", w.Code)
	}
	if _, ok := st.dlq["e1"]; !ok {
		t.Fatal("expected dlq entry to remain after a failed retry")
	}
}

func TestRetryDLQHandler_MissingSubscriptionIsNotFound(t *testing.T) {
	entry := &model.DLQEntry{ID: "e1", SubscriptionID: "gone", Envelope: model.EventEnvelope{Owner: "tenant-a"}}
	st := &fakeStore{dlq: map[string]*model.DLQEntry{"e1": entry}, subs: map[string][]*model.Subscription{}}
	fab := &fakeFabric{}
	a := newAdmin(t, st, fab)

	req := httptest.NewRequest(http.MethodPost, "/dlq/e1/retry", nil)
	req.SetPathValue("id", "e1")
	w := httptest.NewRecorder()

	a.RetryDLQHandler(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a subscription that no longer exists, got %d", w.Code)
	}
}

func TestDeleteDLQHandler_RemovesEntry(t *testing.T) {
	entry := &model.DLQEntry{ID: "e1", SubscriptionID: "s1"}
	st := &fakeStore{dlq: map[string]*model.DLQEntry{"e1": entry}}
	a := newAdmin(t, st, &fakeFabric{})

	req := httptest.NewRequest(http.MethodDelete, "/dlq/e1", nil)
	req.SetPathValue("id", "e1")
	w := httptest.NewRecorder()

	a.DeleteDLQHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := st.dlq["e1"]; ok {
		t.Fatal("expected entry to be deleted")
	}
}

func TestHealthHandler_ReturnsOK(t *testing.T) {
	a := newAdmin(t, &fakeStore{}, &fakeFabric{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestPurgeHandler_ReturnsCount(t *testing.T) {
	st := &fakeStore{expired: []*model.Record{{ID: "r1", OwnerID: "tenant-a"}}}
	a := newAdmin(t, st, &fakeFabric{})

	req := httptest.NewRequest(http.MethodPost, "/admin/purge", nil)
	w := httptest.NewRecorder()
	a.PurgeHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
