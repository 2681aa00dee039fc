package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/showfloor/showfloor/gateway/access"
	"github.com/showfloor/showfloor/gateway/audit"
)

func testAuditLogger(t *testing.T) *audit.Logger {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Failed to open audit database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger, err := audit.NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	return logger
}

func operatorRequest(gw *Gateway, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	gw.handleOperator(w, req)
	return w
}

func TestOperatorRequiresToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.OperatorKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Audit = testAuditLogger(t)
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if w := operatorRequest(gw, "/internal/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}
	if w := operatorRequest(gw, "/internal/status", "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}

	// Denials land in the audit trail.
	events, err := cfg.Audit.GetEventsByType(audit.EventAccessDenied, 10)
	if err != nil {
		t.Fatalf("GetEventsByType failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("access_denied events = %d, want 2", len(events))
	}
}

func TestOperatorStatusWithSignedToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.OperatorKey = []byte("0123456789abcdef0123456789abcdef")
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	token, err := access.MintToken(cfg.OperatorKey, "admin", time.Hour)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	w := operatorRequest(gw, "/internal/status", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	// The pool was never started, so no worker can be ready.
	if status.Status != "down" {
		t.Errorf("status = %q, want down before workers start", status.Status)
	}
	if status.Index != "home" {
		t.Errorf("index = %q, want home", status.Index)
	}
	if len(status.Routes) != 2 {
		t.Errorf("routes = %v, want both applications", status.Routes)
	}
	if len(status.Workers) != 2 {
		t.Errorf("workers = %d, want 2 slots", len(status.Workers))
	}
	if len(status.Mounts) != 1 || status.Mounts[0] != "assets" {
		t.Errorf("mounts = %v", status.Mounts)
	}
}

func TestOperatorStaticSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.OperatorSecret = "deploy-hook-secret"
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if w := operatorRequest(gw, "/internal/status", "deploy-hook-secret"); w.Code != http.StatusOK {
		t.Errorf("static secret status = %d, want 200", w.Code)
	}
	if w := operatorRequest(gw, "/internal/status", "wrong-secret"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", w.Code)
	}
}

func TestOperatorAuditEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.OperatorSecret = "s"
	cfg.Audit = testAuditLogger(t)
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := cfg.Audit.LogGatewayStarted("127.0.0.1:0"); err != nil {
		t.Fatalf("LogGatewayStarted failed: %v", err)
	}

	w := operatorRequest(gw, "/internal/audit", "s")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var events []audit.Event
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("Failed to decode events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("event count = %d, want 1", len(events))
	}

	w = operatorRequest(gw, "/internal/audit?type=gateway_started&limit=5", "s")
	if w.Code != http.StatusOK {
		t.Fatalf("filtered status = %d, want 200", w.Code)
	}
	if w := operatorRequest(gw, "/internal/audit?limit=0", "s"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
	if w := operatorRequest(gw, "/internal/audit?type=worker_crashed", "s"); w.Code != http.StatusOK {
		t.Errorf("empty result status = %d, want 200", w.Code)
	}
}

func TestOperatorUnknownPathAndMethod(t *testing.T) {
	cfg := testConfig(t)
	cfg.OperatorSecret = "s"
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if w := operatorRequest(gw, "/internal/routes", "s"); w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/status", nil)
	req.Header.Set("Authorization", "Bearer s")
	w := httptest.NewRecorder()
	gw.handleOperator(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", w.Code)
	}
}
