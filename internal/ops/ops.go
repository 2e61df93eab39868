// Package ops serves the loopback admin API: runtime status, live
// connections, buffered calls, recent logs, and config hot-reload.
package ops

import (
	"net/http"
	"time"

	"github.com/avolkov/chatrelay/internal/config"
	"github.com/avolkov/chatrelay/internal/logring"
	"github.com/avolkov/chatrelay/internal/registry"
	"github.com/avolkov/chatrelay/internal/relay"
	"github.com/avolkov/chatrelay/internal/store"
)

// Dependencies holds all injected dependencies for the ops API.
type Dependencies struct {
	Registry   *registry.Registry
	Pending    *relay.PendingCalls
	Stats      *relay.Stats
	Handler    *relay.Handler
	RingBuffer *logring.RingBuffer
	Store      *store.Store
	Version    string
	BuildTime  string
	GitCommit  string
	StartTime  time.Time
	ReloadFunc func() error
	GetConfig  func() *config.Config
}

// API provides the HTTP handlers for the /api/v1/ endpoints.
type API struct {
	deps Dependencies
}

// New creates a new ops API instance.
func New(deps Dependencies) *API {
	return &API{deps: deps}
}

// Handler returns an http.Handler for the /api/v1/ endpoints.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", a.handleStatus)
	mux.HandleFunc("GET /api/v1/connections", a.handleConnections)
	mux.HandleFunc("GET /api/v1/pending-calls", a.handlePendingCalls)
	mux.HandleFunc("GET /api/v1/config", a.handleConfigGet)
	mux.HandleFunc("PUT /api/v1/config", a.handleConfigPut)
	mux.HandleFunc("GET /api/v1/logs", a.handleLogs)
	mux.HandleFunc("POST /api/v1/reload", a.handleReload)
	return mux
}
