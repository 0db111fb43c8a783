package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"ChainLedger/internal/ledger"
	"ChainLedger/internal/observability"
	"ChainLedger/internal/server"
)

func newTestServer(t *testing.T) (*server.Server, *ledger.Manager) {
	t.Helper()
	manager, err := ledger.NewManager(ledger.ManagerConfig{
		Store:  ledger.NewMemoryStore(),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	health := observability.NewHealthChecker()
	health.SetReady(true)
	return server.NewServer(manager, health, nil, zerolog.Nop()), manager
}

func doJSON(t *testing.T, srv *server.Server, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHTTP_HealthProbes(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, _ := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", rec.Code)
	}
	rec, _ = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("readyz: got %d, want 200", rec.Code)
	}
}

func TestHTTP_StateMutationCreatesSnapshots(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodPost, "/v1/state", []byte(`{"status":"ACTIVE","balance":100}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("post state: got %d, want 201 (%v)", rec.Code, body)
	}
	if body["sequence"] != float64(0) {
		t.Errorf("sequence: got %v, want 0", body["sequence"])
	}
	if _, hasParent := body["parent_hash"]; hasParent {
		t.Error("genesis response must omit parent_hash")
	}
	if body["content_hash"] == "" {
		t.Error("response missing content_hash")
	}

	rec, body = doJSON(t, srv, http.MethodPost, "/v1/state", []byte(`{"balance":250}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("second post: got %d", rec.Code)
	}
	if body["sequence"] != float64(1) {
		t.Errorf("sequence: got %v, want 1", body["sequence"])
	}
	if body["parent_hash"] == nil {
		t.Error("non-genesis response must carry parent_hash")
	}

	// Fields merge across mutations.
	fields, ok := body["state_fields"].(map[string]any)
	if !ok {
		t.Fatalf("state_fields missing: %v", body)
	}
	if fields["status"] != "ACTIVE" || fields["balance"] != float64(250) {
		t.Errorf("merged state: got %v", fields)
	}
}

func TestHTTP_StateRejectsBadBodies(t *testing.T) {
	srv, _ := newTestServer(t)

	for name, body := range map[string]string{
		"not_json":     "not json",
		"empty_object": "{}",
		"array":        "[1,2,3]",
	} {
		rec, _ := doJSON(t, srv, http.MethodPost, "/v1/state", []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", name, rec.Code)
		}
	}
}

func TestHTTP_HeadAndSnapshotQueries(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, _ := doJSON(t, srv, http.MethodGet, "/v1/head", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("head on empty chain: got %d, want 404", rec.Code)
	}

	doJSON(t, srv, http.MethodPost, "/v1/state", []byte(`{"a":1}`))
	doJSON(t, srv, http.MethodPost, "/v1/state", []byte(`{"a":2}`))

	rec, body := doJSON(t, srv, http.MethodGet, "/v1/head", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("head: got %d", rec.Code)
	}
	if body["chain_length"] != float64(2) {
		t.Errorf("chain_length: got %v, want 2", body["chain_length"])
	}
	if body["last_checkpoint"] != float64(-1) {
		t.Errorf("last_checkpoint: got %v, want -1 (no checkpointer)", body["last_checkpoint"])
	}
	head, _ := body["head"].(map[string]any)
	if head["sequence"] != float64(1) {
		t.Errorf("head sequence: got %v, want 1", head["sequence"])
	}

	rec, body = doJSON(t, srv, http.MethodGet, "/v1/snapshots/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot 0: got %d", rec.Code)
	}
	if body["sequence"] != float64(0) {
		t.Errorf("sequence: got %v, want 0", body["sequence"])
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/v1/snapshots/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing snapshot: got %d, want 404", rec.Code)
	}
	rec, _ = doJSON(t, srv, http.MethodGet, "/v1/snapshots/notanumber", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad sequence: got %d, want 400", rec.Code)
	}
}

func TestHTTP_AuditTrail(t *testing.T) {
	srv, _ := newTestServer(t)
	for i := 0; i < 5; i++ {
		doJSON(t, srv, http.MethodPost, "/v1/state", []byte(`{"tick":1}`))
	}

	rec, body := doJSON(t, srv, http.MethodGet, "/v1/audit?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: got %d", rec.Code)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	last, _ := entries[1].(map[string]any)
	if last["sequence"] != float64(4) {
		t.Errorf("last entry sequence: got %v, want 4", last["sequence"])
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/v1/audit?limit=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero limit: got %d, want 400", rec.Code)
	}
}

func TestHTTP_Verify(t *testing.T) {
	srv, manager := newTestServer(t)
	for i := 0; i < 4; i++ {
		doJSON(t, srv, http.MethodPost, "/v1/state", []byte(`{"tick":1}`))
	}

	rec, body := doJSON(t, srv, http.MethodPost, "/v1/verify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: got %d", rec.Code)
	}
	if body["valid"] != true || body["first_failure"] != float64(-1) {
		t.Errorf("verify result: %v", body)
	}

	rec, body = doJSON(t, srv, http.MethodPost, "/v1/verify?from=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify from: got %d", rec.Code)
	}
	if body["scanned"] != float64(2) {
		t.Errorf("scanned: got %v, want 2", body["scanned"])
	}

	// Corrupt a stored snapshot; the endpoint reports the finding as data.
	victim, err := manager.At(context.Background(), 1)
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	victim.Payload["tick"] = "forged"

	rec, body = doJSON(t, srv, http.MethodPost, "/v1/verify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify tampered: got %d", rec.Code)
	}
	if body["valid"] != false || body["first_failure"] != float64(1) || body["reason"] != "hash_mismatch" {
		t.Errorf("tampered verify result: %v", body)
	}
}
