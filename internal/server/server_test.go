package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rakunlabs/rcrt/internal/admin"
	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/embedding"
	"github.com/rakunlabs/rcrt/internal/fabric"
	"github.com/rakunlabs/rcrt/internal/schemacache"
	"github.com/rakunlabs/rcrt/internal/store/memory"
	"github.com/rakunlabs/rcrt/internal/substrate"
	"github.com/rakunlabs/rcrt/internal/transform"
	"github.com/rakunlabs/rcrt/internal/vector"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st := memory.New()
	idx := vector.NewBruteForce()
	emb := embedding.NewLocal(16)
	engine := transform.New()
	schemas := schemacache.New(st, nil)
	fab := fabric.New(st, fabric.WebhookConfig{})
	sub := substrate.New(st, emb, idx, engine, schemas, fab, nil, config.Substrate{
		BatchTransformConcurrency: 4,
	})
	adm, err := admin.New(st, fab, nil, config.Admin{HygieneBatchSize: 10})
	if err != nil {
		t.Fatalf("admin.New: %v", err)
	}

	s, err := New(context.Background(), config.Server{DevMode: true}, sub, fab, adm)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return s
}

func TestCreateAndGetRecord(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest("POST", "/records", bytes.NewBufferString(`{
		"title": "hello",
		"context": {"description": "a greeting"},
		"tags": ["greeting"]
	}`))
	createReq.Header.Set("X-RCRT-Subject", "agent-a")
	createReq.Header.Set("X-RCRT-Owner", "tenant-a")
	createReq.Header.Set("X-RCRT-Roles", "emitter,subscriber,curator")
	createRec := httptest.NewRecorder()

	s.server.ServeHTTP(createRec, createReq)

	if createRec.Code != 201 {
		t.Fatalf("create: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}

	var created createRecordResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated record id")
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	getReq := httptest.NewRequest("GET", "/records/"+created.ID, nil)
	getReq.Header.Set("X-RCRT-Subject", "agent-a")
	getReq.Header.Set("X-RCRT-Owner", "tenant-a")
	getReq.Header.Set("X-RCRT-Roles", "emitter,subscriber,curator")
	getRec := httptest.NewRecorder()

	s.server.ServeHTTP(getRec, getReq)

	if getRec.Code != 200 {
		t.Fatalf("get: expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestUpdateRecordRequiresIfMatch(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest("POST", "/records", bytes.NewBufferString(`{"title": "v1", "context": {}}`))
	createReq.Header.Set("X-RCRT-Subject", "agent-a")
	createReq.Header.Set("X-RCRT-Owner", "tenant-a")
	createReq.Header.Set("X-RCRT-Roles", "emitter,curator")
	createRec := httptest.NewRecorder()
	s.server.ServeHTTP(createRec, createReq)

	var created createRecordResponse
	_ = json.Unmarshal(createRec.Body.Bytes(), &created)

	// Missing If-Match: the handler's precondition-missing error.
	noMatchReq := httptest.NewRequest("PATCH", "/records/"+created.ID, bytes.NewBufferString(`{"title": "v2"}`))
	noMatchReq.Header.Set("X-RCRT-Subject", "agent-a")
	noMatchReq.Header.Set("X-RCRT-Owner", "tenant-a")
	noMatchReq.Header.Set("X-RCRT-Roles", "emitter,curator")
	noMatchRec := httptest.NewRecorder()
	s.server.ServeHTTP(noMatchRec, noMatchReq)
	if noMatchRec.Code != 428 {
		t.Fatalf("expected 428 precondition-required without If-Match, got %d", noMatchRec.Code)
	}

	// Correct If-Match succeeds.
	matchReq := httptest.NewRequest("PATCH", "/records/"+created.ID, bytes.NewBufferString(`{"title": "v2"}`))
	matchReq.Header.Set("If-Match", strconv.FormatInt(created.Version, 10))
	matchReq.Header.Set("X-RCRT-Subject", "agent-a")
	matchReq.Header.Set("X-RCRT-Owner", "tenant-a")
	matchReq.Header.Set("X-RCRT-Roles", "emitter,curator")
	matchRec := httptest.NewRecorder()
	s.server.ServeHTTP(matchRec, matchReq)
	if matchRec.Code != 200 {
		t.Fatalf("expected 200 with correct If-Match, got %d: %s", matchRec.Code, matchRec.Body.String())
	}
}

func TestDeleteRecordRequiresCuratorOrGrant(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest("POST", "/records", bytes.NewBufferString(`{"title": "v1", "context": {}}`))
	createReq.Header.Set("X-RCRT-Subject", "agent-a")
	createReq.Header.Set("X-RCRT-Owner", "tenant-a")
	createReq.Header.Set("X-RCRT-Roles", "emitter,curator")
	createRec := httptest.NewRecorder()
	s.server.ServeHTTP(createRec, createReq)

	var created createRecordResponse
	_ = json.Unmarshal(createRec.Body.Bytes(), &created)

	// Non-curator, no ACLDelete grant: forbidden, answered with the same 404
	// as not-found.
	delReq := httptest.NewRequest("DELETE", "/records/"+created.ID, nil)
	delReq.Header.Set("X-RCRT-Subject", "agent-b")
	delReq.Header.Set("X-RCRT-Owner", "tenant-a")
	delReq.Header.Set("X-RCRT-Roles", "emitter")
	delRec := httptest.NewRecorder()
	s.server.ServeHTTP(delRec, delReq)
	if delRec.Code != 404 {
		t.Fatalf("expected 404 for non-curator without a grant, got %d", delRec.Code)
	}

	// Curator succeeds.
	curatorDelReq := httptest.NewRequest("DELETE", "/records/"+created.ID, nil)
	curatorDelReq.Header.Set("X-RCRT-Subject", "agent-a")
	curatorDelReq.Header.Set("X-RCRT-Owner", "tenant-a")
	curatorDelReq.Header.Set("X-RCRT-Roles", "curator")
	curatorDelRec := httptest.NewRecorder()
	s.server.ServeHTTP(curatorDelRec, curatorDelReq)
	if curatorDelRec.Code != 200 {
		t.Fatalf("expected 200 for curator delete, got %d: %s", curatorDelRec.Code, curatorDelRec.Body.String())
	}
}
