// Package relay implements the real-time channel: the WebSocket
// endpoint clients connect to, presence registration, call signaling,
// and event fan-out to live connections.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/avolkov/chatrelay/internal/config"
	"github.com/avolkov/chatrelay/internal/metrics"
	"github.com/avolkov/chatrelay/internal/registry"
	"github.com/avolkov/chatrelay/internal/security"
)

// Handler is the HTTP handler that accepts client WebSocket
// connections and runs their read loop until close.
type Handler struct {
	Config      *config.Config
	Registry    *registry.Registry
	Signaler    *Signaler
	Stats       *Stats
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining.
	// Active connections watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config during hot-reload
	mu sync.RWMutex
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(cfg *config.Config, reg *registry.Registry, sig *Signaler, stats *Stats, rl *security.RateLimiter, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Registry:    reg,
		Signaler:    sig,
		Stats:       stats,
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// StartDrain signals all active connections to begin graceful shutdown.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	clientIP := security.ClientIP(r.RemoteAddr)
	if clientIP == "" {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("connection rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// Connection limits (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.Stats.TryIncrementConnections(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Stats.ActiveConnections(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Stats.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Stats.DecrementConnections(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(cfg.Server.MaxMessageSize)

	conn := registry.NewConn(ws, clientIP, cfg.Server.WriteTimeout)
	slog.Info("connection opened", "client_ip", clientIP)

	// Use ShutdownCtx (not r.Context()) as the parent: when ServeHTTP
	// returns, r.Context() is cancelled, which races with the HTTP
	// transport's background goroutine.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)
	defer connCancel()

	// Keepalive must run concurrently with Reader per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go h.keepAlive(connCtx, ws, cfg.Server.PingInterval, cfg.Server.PongTimeout, connCancel)
	}

	// Drain watcher: a graceful close frame makes Reader return below,
	// triggering normal teardown.
	go func() {
		select {
		case <-h.drainCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	start := time.Now()
	h.readLoop(connCtx, conn, ws, msgLimiter)

	// Every exit path lands here: error, close frame, drain. The
	// registry scan makes double cleanup a no-op.
	h.Registry.Unregister(conn)
	conn.Close(websocket.StatusGoingAway, "")
	h.Stats.DecrementConnections(clientIP)
	if h.Metrics != nil {
		h.Metrics.ActiveConnections.Dec()
		h.Metrics.OnlineUsers.Set(float64(h.Registry.OnlineUsers()))
	}
	slog.Info("connection closed", "client_ip", clientIP, "duration", time.Since(start).String())
}

// readLoop handles inbound messages until the connection dies. A
// connection is not addressable until its init message binds a user
// identity; signaling messages before init are dropped.
func (h *Handler) readLoop(ctx context.Context, conn *registry.Conn, ws *websocket.Conn, msgLimiter *rate.Limiter) {
	for {
		// No ReadTimeout here: keepalive pings detect dead peers, and
		// a timeout would kill idle-but-alive long-lived connections.
		_, raw, err := ws.Read(ctx)
		if err != nil {
			slog.Debug("read loop stopped", "client_ip", conn.RemoteIP(), "reason", err)
			return
		}

		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "client_ip", conn.RemoteIP(), "reason", err)
				return
			}
		}

		h.Stats.IncrementMessages()

		env, err := decodeEnvelope(raw)
		if err != nil {
			slog.Warn("dropping malformed message", "client_ip", conn.RemoteIP(), "error", err)
			h.countError("malformed_message")
			continue
		}
		if h.Metrics != nil {
			h.Metrics.MessagesTotal.WithLabelValues(env.Type).Inc()
		}

		if env.Type == TypeInit {
			h.handleInit(conn, env)
			continue
		}

		if conn.UserID() == 0 {
			slog.Warn("dropping message before init", "client_ip", conn.RemoteIP(), "type", env.Type)
			h.countError("before_init")
			continue
		}

		if err := h.Signaler.Route(ctx, conn, env, raw); err != nil {
			slog.Warn("dropping unroutable message", "client_ip", conn.RemoteIP(), "type", env.Type, "error", err)
			h.countError("unroutable_message")
		}
	}
}

// handleInit binds the connection to the claimed user identity and
// registers it for presence. A repeated init moves the connection.
func (h *Handler) handleInit(conn *registry.Conn, env Envelope) {
	if env.UserID == 0 {
		slog.Warn("dropping init without userId", "client_ip", conn.RemoteIP())
		h.countError("init_no_user")
		return
	}
	h.Registry.Register(env.UserID, conn)
	if h.Metrics != nil {
		h.Metrics.OnlineUsers.Set(float64(h.Registry.OnlineUsers()))
	}
	slog.Info("client registered", "user_id", env.UserID, "client_ip", conn.RemoteIP())
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
func (h *Handler) keepAlive(ctx context.Context, ws *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				ws.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}

func (h *Handler) countError(kind string) {
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}
