package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/avolkov/chatrelay/internal/registry"
	"github.com/avolkov/chatrelay/internal/relay"
	"github.com/avolkov/chatrelay/internal/store"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	OnlineUsers       int      `json:"online_users"`
	PendingCalls      int      `json:"pending_calls"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	TotalDelivered   int64   `json:"total_delivered"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	registry  *registry.Registry
	pending   *relay.PendingCalls
	stats     *relay.Stats
	store     *store.Store
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(reg *registry.Registry, pending *relay.PendingCalls, stats *relay.Stats, st *store.Store, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		registry:  reg,
		pending:   pending,
		stats:     stats,
		store:     st,
		version:   version,
		detailed:  detailed,
	}
}

// ServeHTTP handles health check requests.
// The health listener runs on the ops address (127.0.0.1:3003 by
// default), separate from the client listener, so local monitoring
// tools can poll it without traversing the public surface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.store.Ping() == nil

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.stats.ActiveConnections(),
		OnlineUsers:       h.registry.OnlineUsers(),
		PendingCalls:      h.pending.Len(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.stats.TotalConnections(),
			TotalMessages:    h.stats.TotalMessages(),
			TotalDelivered:   h.stats.TotalDelivered(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
