package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/avolkov/chatrelay/internal/registry"
	"github.com/avolkov/chatrelay/internal/relay"
	"github.com/avolkov/chatrelay/internal/store"
)

func newHealthFixture(t *testing.T, detailed bool) (*Handler, *registry.Registry, *relay.PendingCalls, *relay.Stats, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	pending := relay.NewPendingCalls(time.Minute, nil)
	stats := relay.NewStats()
	return NewHandler(reg, pending, stats, st, "test-version", detailed), reg, pending, stats, st
}

func TestHealthHandler_Healthy(t *testing.T) {
	h, _, _, _, _ := newHealthFixture(t, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if !resp.StoreReachable {
		t.Error("store_reachable should be true")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.ActiveConnections != 0 {
		t.Errorf("active_connections = %d, want 0", resp.ActiveConnections)
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_StoreDown(t *testing.T) {
	h, _, _, _, st := newHealthFixture(t, false)
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.StoreReachable {
		t.Error("store_reachable should be false")
	}
}

func TestHealthHandler_CountsConnectionsAndPending(t *testing.T) {
	h, reg, pending, stats, _ := newHealthFixture(t, false)

	stats.TryIncrementConnections("10.0.0.1", 10, 10)
	stats.TryIncrementConnections("10.0.0.2", 10, 10)
	reg.Register(1, &registry.Conn{})
	pending.SetOffer(42, []byte(`{"type":"offer"}`))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
	if resp.OnlineUsers != 1 {
		t.Errorf("online_users = %d, want 1", resp.OnlineUsers)
	}
	if resp.PendingCalls != 1 {
		t.Errorf("pending_calls = %d, want 1", resp.PendingCalls)
	}
	if resp.Details != nil {
		t.Error("details should be nil when not detailed")
	}
}
