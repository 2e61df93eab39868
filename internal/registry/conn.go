package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrConnClosed is returned by Write after the connection has been
// closed locally.
var ErrConnClosed = errors.New("connection closed")

// Conn is one live transport channel between a client and the server.
// It is created on accept with no identity; the identity is bound
// when the client completes the init handshake.
type Conn struct {
	ws           *websocket.Conn
	remoteIP     string
	writeTimeout time.Duration

	userID atomic.Int64 // 0 until init
	closed atomic.Bool
}

// NewConn wraps an accepted WebSocket connection.
func NewConn(ws *websocket.Conn, remoteIP string, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, remoteIP: remoteIP, writeTimeout: writeTimeout}
}

// UserID returns the bound user identity, or 0 before init.
func (c *Conn) UserID() int64 {
	return c.userID.Load()
}

// RemoteIP returns the client IP the connection arrived from.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// Ready reports whether the channel is currently writable.
func (c *Conn) Ready() bool {
	return !c.closed.Load()
}

// Write sends one text message, bounded by the write timeout.
// Writes to the same Conn are delivered in call order:
// coder/websocket serializes concurrent writers internally.
func (c *Conn) Write(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// Close sends a close frame and marks the connection unwritable.
// Safe to call more than once.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	if c.closed.CompareAndSwap(false, true) {
		c.ws.Close(code, reason)
	}
}

func (c *Conn) setUser(id int64) {
	c.userID.Store(id)
}

func (c *Conn) clearUser() {
	c.userID.Store(0)
}
