package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/avolkov/chatrelay/internal/config"
	"github.com/avolkov/chatrelay/internal/registry"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.RateLimit.Enabled = false
	cfg.Server.PingInterval = 0 // keepalive noise off in tests
	cfg.Server.WriteTimeout = 5 * time.Second
	return cfg
}

type testRelay struct {
	srv     *httptest.Server
	handler *Handler
	reg     *registry.Registry
	pending *PendingCalls
	stats   *Stats
}

func newTestRelay(t *testing.T, cfg *config.Config) *testRelay {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	reg := registry.New()
	stats := NewStats()
	pending := NewPendingCalls(time.Minute, nil)
	fanout := NewFanout(reg, stats, nil)
	sig := NewSignaler(reg, pending, fanout, nil, nil, nil, 0)
	h := NewHandler(cfg, reg, sig, stats, nil, context.Background())

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testRelay{srv: srv, handler: h, reg: reg, pending: pending, stats: stats}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(tr.srv.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, payload, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return fields
}

// waitFor polls cond until it holds or the deadline passes.
// Registration and signaling happen on the server's read loop, so
// tests cannot assert shared state immediately after a write.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func initConn(t *testing.T, tr *testRelay, userID int64) *websocket.Conn {
	t.Helper()
	c := tr.dial(t)
	sendJSON(t, c, map[string]any{"type": "init", "userId": userID})
	waitFor(t, func() bool { return tr.reg.IsOnline(userID) }, "init did not register the user")
	return c
}

func TestInitRegistersPresence(t *testing.T) {
	tr := newTestRelay(t, nil)

	c := initConn(t, tr, 1)
	if tr.reg.ConnectionCount(1) != 1 {
		t.Errorf("connection count = %d, want 1", tr.reg.ConnectionCount(1))
	}

	c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return !tr.reg.IsOnline(1) }, "close did not unregister the user")
}

func TestOfferToOnlineTargetForwardedWithStampedSender(t *testing.T) {
	tr := newTestRelay(t, nil)

	caller := initConn(t, tr, 1)
	callee := initConn(t, tr, 2)

	// Client lies about its sender identity; the relay must stamp
	// the authenticated one.
	sendJSON(t, caller, map[string]any{"type": "offer", "target": 2, "sender": 999, "sdp": "sdp-a"})

	msg := readJSON(t, callee)
	if msg["type"] != "offer" {
		t.Errorf("type = %v, want offer", msg["type"])
	}
	if msg["sender"].(float64) != 1 {
		t.Errorf("sender = %v, want stamped identity 1", msg["sender"])
	}
	if msg["sdp"] != "sdp-a" {
		t.Errorf("sdp = %v, opaque payload must pass through", msg["sdp"])
	}
	if tr.pending.Len() != 0 {
		t.Errorf("pending calls = %d, online offer must not buffer", tr.pending.Len())
	}
}

func TestOfferFanoutToAllDevices(t *testing.T) {
	tr := newTestRelay(t, nil)

	caller := initConn(t, tr, 1)
	phone := initConn(t, tr, 2)
	tablet := tr.dial(t)
	sendJSON(t, tablet, map[string]any{"type": "init", "userId": 2})
	waitFor(t, func() bool { return tr.reg.ConnectionCount(2) == 2 }, "second device not registered")

	sendJSON(t, caller, map[string]any{"type": "offer", "target": 2, "sdp": "sdp-a"})

	for _, c := range []*websocket.Conn{phone, tablet} {
		msg := readJSON(t, c)
		if msg["type"] != "offer" {
			t.Errorf("type = %v, want offer on every device", msg["type"])
		}
	}
}

func TestOfferBufferedAndReplayedOnPendingReady(t *testing.T) {
	tr := newTestRelay(t, nil)

	caller := initConn(t, tr, 1)

	// Target 2 is offline: offer and candidates buffer instead of
	// forwarding.
	sendJSON(t, caller, map[string]any{"type": "offer", "target": 2, "sdp": "sdp-a"})
	sendJSON(t, caller, map[string]any{"type": "ice-candidate", "target": 2, "candidate": "c1"})
	sendJSON(t, caller, map[string]any{"type": "ice-candidate", "target": 2, "candidate": "c2"})
	waitFor(t, func() bool {
		snap := tr.pending.Snapshot()
		return len(snap) == 1 && snap[0].Candidates == 2
	}, "offer and candidates were not buffered")

	// Callee wakes up, registers, and asks for the replay.
	callee := initConn(t, tr, 2)
	sendJSON(t, callee, map[string]any{"type": "pending-ready", "sender": 1})

	first := readJSON(t, callee)
	if first["type"] != "offer" || first["sdp"] != "sdp-a" {
		t.Fatalf("first replayed message = %v, want the buffered offer", first)
	}
	if first["sender"].(float64) != 1 {
		t.Errorf("replayed sender = %v, want 1", first["sender"])
	}
	second := readJSON(t, callee)
	if second["candidate"] != "c1" {
		t.Errorf("second replayed message = %v, want candidate c1", second)
	}
	third := readJSON(t, callee)
	if third["candidate"] != "c2" {
		t.Errorf("third replayed message = %v, want candidate c2", third)
	}

	waitFor(t, func() bool { return tr.pending.Len() == 0 }, "pending call not consumed by replay")

	// A second pending-ready replays nothing: the next message the
	// callee sees is the answer sent afterwards.
	sendJSON(t, callee, map[string]any{"type": "pending-ready", "sender": 1})
	sendJSON(t, caller, map[string]any{"type": "answer", "target": 2, "sdp": "sdp-b"})
	next := readJSON(t, callee)
	if next["type"] != "answer" {
		t.Errorf("message after second pending-ready = %v, want the answer only", next)
	}
}

func TestCallEndedClearsPendingCall(t *testing.T) {
	tr := newTestRelay(t, nil)

	caller := initConn(t, tr, 1)

	sendJSON(t, caller, map[string]any{"type": "offer", "target": 2, "sdp": "sdp-a"})
	waitFor(t, func() bool { return tr.pending.Len() == 1 }, "offer was not buffered")

	sendJSON(t, caller, map[string]any{"type": "call-ended", "target": 2})
	waitFor(t, func() bool { return tr.pending.Len() == 0 }, "call-ended did not clear the pending call")

	// The end signal also reaches the caller's own connections.
	msg := readJSON(t, caller)
	if msg["type"] != "call-ended" {
		t.Errorf("caller received %v, want call-ended echo", msg["type"])
	}

	// A pending-ready from the callee now yields no replay.
	callee := initConn(t, tr, 2)
	sendJSON(t, callee, map[string]any{"type": "pending-ready", "sender": 1})
	sendJSON(t, caller, map[string]any{"type": "answer", "target": 2, "sdp": "sdp-b"})
	next := readJSON(t, callee)
	if next["type"] != "answer" {
		t.Errorf("message after cleared pending-ready = %v, want the answer only", next)
	}
}

func TestCandidateWithoutCallDropped(t *testing.T) {
	tr := newTestRelay(t, nil)

	caller := initConn(t, tr, 1)
	sendJSON(t, caller, map[string]any{"type": "ice-candidate", "target": 9, "candidate": "c1"})

	// No entry appears; the connection survives and keeps working.
	sendJSON(t, caller, map[string]any{"type": "offer", "target": 9, "sdp": "sdp-a"})
	waitFor(t, func() bool { return tr.pending.Len() == 1 }, "connection died after a dropped candidate")

	snap := tr.pending.Snapshot()
	if snap[0].Candidates != 0 {
		t.Errorf("candidates = %d, dropped candidate must not buffer", snap[0].Candidates)
	}
}

func TestSignalingBeforeInitDropped(t *testing.T) {
	tr := newTestRelay(t, nil)

	c := tr.dial(t)
	sendJSON(t, c, map[string]any{"type": "offer", "target": 2, "sdp": "sdp-a"})

	// Init still works afterwards; the early offer never buffered.
	sendJSON(t, c, map[string]any{"type": "init", "userId": 1})
	waitFor(t, func() bool { return tr.reg.IsOnline(1) }, "init after dropped message failed")
	if tr.pending.Len() != 0 {
		t.Errorf("pending calls = %d, pre-init offer must be dropped", tr.pending.Len())
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	tr := newTestRelay(t, nil)

	c := tr.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sendJSON(t, c, map[string]any{"type": "init", "userId": 1})
	waitFor(t, func() bool { return tr.reg.IsOnline(1) }, "connection closed after malformed message")
}

func TestUnknownTypeIgnored(t *testing.T) {
	tr := newTestRelay(t, nil)

	c := initConn(t, tr, 1)
	sendJSON(t, c, map[string]any{"type": "telepathy", "target": 2})

	sendJSON(t, c, map[string]any{"type": "offer", "target": 2, "sdp": "sdp-a"})
	waitFor(t, func() bool { return tr.pending.Len() == 1 }, "connection died after unknown type")
}

func TestHandlerRejectMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnections = 1

	tr := newTestRelay(t, cfg)
	tr.stats.TryIncrementConnections("10.0.0.9", 1000, 100) // fill the slot

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandlerRejectMaxConnectionsPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnectionsPerIP = 1

	tr := newTestRelay(t, cfg)
	tr.stats.TryIncrementConnections("127.0.0.1", 1000, 100) // fill the per-IP slot

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestHandlerBadRemoteAddr(t *testing.T) {
	tr := newTestRelay(t, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "no-port-here"
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandlerDrainClosesConnections(t *testing.T) {
	tr := newTestRelay(t, nil)

	c := initConn(t, tr, 1)
	tr.handler.StartDrain()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected close after drain")
	}
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", websocket.CloseStatus(err))
	}
	waitFor(t, func() bool { return !tr.reg.IsOnline(1) }, "drained connection not unregistered")
}
