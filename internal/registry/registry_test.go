package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestRegisterAndIsOnline(t *testing.T) {
	r := New()
	c := NewConn(nil, "1.2.3.4", time.Second)

	if r.IsOnline(1) {
		t.Error("user 1 should be offline initially")
	}

	r.Register(1, c)
	if !r.IsOnline(1) {
		t.Error("user 1 should be online after register")
	}
	if c.UserID() != 1 {
		t.Errorf("conn user = %d, want 1", c.UserID())
	}

	// Repeated registration of the same pair is idempotent.
	r.Register(1, c)
	if r.ConnectionCount(1) != 1 {
		t.Errorf("count = %d, want 1", r.ConnectionCount(1))
	}
}

func TestMultiDevice(t *testing.T) {
	r := New()
	c1 := NewConn(nil, "1.2.3.4", time.Second)
	c2 := NewConn(nil, "5.6.7.8", time.Second)

	r.Register(1, c1)
	r.Register(1, c2)
	if r.ConnectionCount(1) != 2 {
		t.Fatalf("count = %d, want 2", r.ConnectionCount(1))
	}

	r.Unregister(c1)
	if r.ConnectionCount(1) != 1 {
		t.Errorf("count after one unregister = %d, want 1", r.ConnectionCount(1))
	}
	if !r.IsOnline(1) {
		t.Error("user should stay online while one device remains")
	}
}

func TestUnregisterRemovesEmptySets(t *testing.T) {
	r := New()
	c := NewConn(nil, "1.2.3.4", time.Second)

	r.Register(1, c)
	r.Unregister(c)

	if r.IsOnline(1) {
		t.Error("user should be offline after last unregister")
	}
	if len(r.Snapshot()) != 0 {
		t.Errorf("snapshot = %v, want empty (no dangling sets)", r.Snapshot())
	}
	if got := r.ConnectionsFor(1); len(got) != 0 {
		t.Errorf("ConnectionsFor = %v, want empty", got)
	}
}

func TestUnregisterUnknownConnIsNoop(t *testing.T) {
	r := New()
	// Double close / never registered must not panic or mutate state.
	r.Unregister(nil)
	r.Unregister(NewConn(nil, "1.2.3.4", time.Second))

	c := NewConn(nil, "1.2.3.4", time.Second)
	r.Register(1, c)
	r.Unregister(c)
	r.Unregister(c) // second close
	if r.OnlineUsers() != 0 {
		t.Errorf("online users = %d, want 0", r.OnlineUsers())
	}
}

func TestConnAppearsUnderOneUser(t *testing.T) {
	r := New()
	c := NewConn(nil, "1.2.3.4", time.Second)

	r.Register(1, c)
	r.Register(2, c) // re-init with a different identity moves the conn

	if r.IsOnline(1) {
		t.Error("conn must not remain under user 1")
	}
	if !r.IsOnline(2) {
		t.Error("conn should be under user 2")
	}

	r.Unregister(c)
	for _, id := range []int64{1, 2} {
		if r.IsOnline(id) {
			t.Errorf("user %d still online after unregister", id)
		}
	}
}

func TestRegisterZeroUserIgnored(t *testing.T) {
	r := New()
	r.Register(0, NewConn(nil, "1.2.3.4", time.Second))
	if r.OnlineUsers() != 0 {
		t.Error("user id 0 must not be registered")
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	r.Register(1, NewConn(nil, "a", time.Second))
	r.Register(1, NewConn(nil, "b", time.Second))
	r.Register(2, NewConn(nil, "c", time.Second))

	snap := r.Snapshot()
	if snap[1] != 2 || snap[2] != 1 {
		t.Errorf("snapshot = %v", snap)
	}
	if r.OnlineUsers() != 2 {
		t.Errorf("online users = %d, want 2", r.OnlineUsers())
	}
}

// wsPair dials a test server and returns both ends of the socket.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	ready := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		ready <- conn
		<-done
		conn.CloseNow()
	}))
	t.Cleanup(func() { close(done); srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cli.CloseNow() })
	return <-ready, cli
}

func TestConnWriteAndClose(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewConn(serverWS, "1.2.3.4", time.Second)
	if !c.Ready() {
		t.Fatal("fresh conn should be ready")
	}
	if err := c.Write(ctx, []byte(`{"type":"test"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := clientWS.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"type":"test"}` {
		t.Errorf("payload = %s", data)
	}

	c.Close(websocket.StatusNormalClosure, "")
	c.Close(websocket.StatusNormalClosure, "") // idempotent
	if c.Ready() {
		t.Error("closed conn should not be ready")
	}
	if err := c.Write(ctx, []byte("x")); err != ErrConnClosed {
		t.Errorf("write after close = %v, want ErrConnClosed", err)
	}
}
