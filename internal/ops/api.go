package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"
)

// statusResponse is the JSON body for GET /api/v1/status.
type statusResponse struct {
	Uptime            string  `json:"uptime"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
	OnlineUsers       int     `json:"online_users"`
	PendingCalls      int     `json:"pending_calls"`
	TotalConnections  int64   `json:"total_connections"`
	TotalMessages     int64   `json:"total_messages"`
	TotalDelivered    int64   `json:"total_delivered"`
	StoreReachable    bool    `json:"store_reachable"`
	MemoryMB          float64 `json:"memory_mb"`
	Goroutines        int     `json:"goroutines"`
	Version           string  `json:"version"`
	BuildTime         string  `json:"build_time"`
	GitCommit         string  `json:"git_commit"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(a.deps.StartTime)

	resp := statusResponse{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		ActiveConnections: a.deps.Stats.ActiveConnections(),
		OnlineUsers:       a.deps.Registry.OnlineUsers(),
		PendingCalls:      a.deps.Pending.Len(),
		TotalConnections:  a.deps.Stats.TotalConnections(),
		TotalMessages:     a.deps.Stats.TotalMessages(),
		TotalDelivered:    a.deps.Stats.TotalDelivered(),
		StoreReachable:    a.deps.Store.Ping() == nil,
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:        runtime.NumGoroutine(),
		Version:           a.deps.Version,
		BuildTime:         a.deps.BuildTime,
		GitCommit:         a.deps.GitCommit,
	}

	writeJSON(w, http.StatusOK, resp)
}

// connectionsResponse is the JSON body for GET /api/v1/connections.
type connectionsResponse struct {
	Users []userEntry `json:"users"`
	IPs   []ipEntry   `json:"ips"`
}

type userEntry struct {
	UserID int64 `json:"user_id"`
	Count  int   `json:"count"`
}

type ipEntry struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

func (a *API) handleConnections(w http.ResponseWriter, _ *http.Request) {
	userMap := a.deps.Registry.Snapshot()
	users := make([]userEntry, 0, len(userMap))
	for id, count := range userMap {
		users = append(users, userEntry{UserID: id, Count: count})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Count != users[j].Count {
			return users[i].Count > users[j].Count
		}
		return users[i].UserID < users[j].UserID
	})

	ipMap := a.deps.Stats.ActiveIPConnections()
	ips := make([]ipEntry, 0, len(ipMap))
	for ip, count := range ipMap {
		ips = append(ips, ipEntry{IP: ip, Count: count})
	}
	sort.Slice(ips, func(i, j int) bool {
		return ips[i].Count > ips[j].Count
	})

	writeJSON(w, http.StatusOK, connectionsResponse{Users: users, IPs: ips})
}

func (a *API) handlePendingCalls(w http.ResponseWriter, _ *http.Request) {
	calls := a.deps.Pending.Snapshot()
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, calls)
}

// configResponse is the JSON body for GET /api/v1/config.
type configResponse struct {
	Reloadable configReloadable `json:"reloadable"`
	ReadOnly   configReadOnly   `json:"read_only"`
}

type configReloadable struct {
	LogLevel            string `json:"log_level"`
	MaxConnections      int    `json:"max_connections"`
	MaxConnectionsPerIP int    `json:"max_connections_per_ip"`
	MaxMessageSize      int64  `json:"max_message_size"`
	RateLimitEnabled    bool   `json:"rate_limit_enabled"`
	ConnectionsPerMin   int    `json:"connections_per_minute"`
	MessagesPerSecond   int    `json:"messages_per_second"`
	PendingCallTTL      string `json:"pending_call_ttl"`
}

type configReadOnly struct {
	ListenAddress string `json:"listen_address"`
	WSPath        string `json:"ws_path"`
	OpsAddress    string `json:"ops_address"`
	DatabasePath  string `json:"database_path"`
	TLSEnabled    bool   `json:"tls_enabled"`
}

func (a *API) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := a.deps.GetConfig()

	resp := configResponse{
		Reloadable: configReloadable{
			LogLevel:            cfg.Logging.Level,
			MaxConnections:      cfg.Security.MaxConnections,
			MaxConnectionsPerIP: cfg.Security.MaxConnectionsPerIP,
			MaxMessageSize:      cfg.Server.MaxMessageSize,
			RateLimitEnabled:    cfg.Security.RateLimit.Enabled,
			ConnectionsPerMin:   cfg.Security.RateLimit.ConnectionsPerMinute,
			MessagesPerSecond:   cfg.Security.RateLimit.MessagesPerSecond,
			PendingCallTTL:      cfg.Signaling.PendingCallTTL.String(),
		},
		ReadOnly: configReadOnly{
			ListenAddress: cfg.Server.ListenAddress,
			WSPath:        cfg.Server.WSPath,
			OpsAddress:    cfg.Ops.ListenAddress,
			DatabasePath:  cfg.Database.Path,
			TLSEnabled:    cfg.Server.TLS.Enabled,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

// configUpdateRequest is the JSON body for PUT /api/v1/config.
type configUpdateRequest struct {
	LogLevel            *string `json:"log_level,omitempty"`
	MaxConnections      *int    `json:"max_connections,omitempty"`
	MaxConnectionsPerIP *int    `json:"max_connections_per_ip,omitempty"`
	MaxMessageSize      *int64  `json:"max_message_size,omitempty"`
	RateLimitEnabled    *bool   `json:"rate_limit_enabled,omitempty"`
	ConnectionsPerMin   *int    `json:"connections_per_minute,omitempty"`
	MessagesPerSecond   *int    `json:"messages_per_second,omitempty"`
	PendingCallTTL      *string `json:"pending_call_ttl,omitempty"`
}

func (a *API) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	cfg := a.deps.GetConfig()

	// Apply updates to a copy
	updated := *cfg

	if req.LogLevel != nil {
		switch *req.LogLevel {
		case "debug", "info", "warn", "error":
			updated.Logging.Level = *req.LogLevel
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "log_level must be debug, info, warn, or error"})
			return
		}
	}
	if req.MaxConnections != nil {
		if *req.MaxConnections <= 0 || *req.MaxConnections > 65535 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_connections must be 1-65535"})
			return
		}
		updated.Security.MaxConnections = *req.MaxConnections
	}
	if req.MaxConnectionsPerIP != nil {
		if *req.MaxConnectionsPerIP <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_connections_per_ip must be positive"})
			return
		}
		updated.Security.MaxConnectionsPerIP = *req.MaxConnectionsPerIP
	}
	if req.MaxMessageSize != nil {
		if *req.MaxMessageSize <= 0 || *req.MaxMessageSize > 67108864 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_message_size must be 1 to 67108864"})
			return
		}
		updated.Server.MaxMessageSize = *req.MaxMessageSize
	}
	if req.RateLimitEnabled != nil {
		updated.Security.RateLimit.Enabled = *req.RateLimitEnabled
	}
	if req.ConnectionsPerMin != nil {
		if *req.ConnectionsPerMin <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connections_per_minute must be positive"})
			return
		}
		updated.Security.RateLimit.ConnectionsPerMinute = *req.ConnectionsPerMin
	}
	if req.MessagesPerSecond != nil {
		if *req.MessagesPerSecond <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages_per_second must be positive"})
			return
		}
		updated.Security.RateLimit.MessagesPerSecond = *req.MessagesPerSecond
	}
	if req.PendingCallTTL != nil {
		ttl, err := time.ParseDuration(*req.PendingCallTTL)
		if err != nil || ttl <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pending_call_ttl must be a positive duration"})
			return
		}
		updated.Signaling.PendingCallTTL = ttl
	}

	// Validate cross-field constraint
	if updated.Security.MaxConnectionsPerIP > updated.Security.MaxConnections {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_connections_per_ip must not exceed max_connections"})
		return
	}

	a.deps.Handler.UpdateConfig(&updated)
	a.deps.Pending.SetTTL(updated.Signaling.PendingCallTTL)
	slog.Info("config updated via ops API",
		"log_level", updated.Logging.Level,
		"max_connections", updated.Security.MaxConnections,
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// logEntryResponse mirrors logring.Entry for JSON serialization.
type logEntryResponse struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	switch r.URL.Query().Get("level") {
	case "info":
		minLevel = slog.LevelInfo
	case "warn":
		minLevel = slog.LevelWarn
	case "error":
		minLevel = slog.LevelError
	}

	entries := a.deps.RingBuffer.Entries(limit, minLevel)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	if a.deps.ReloadFunc == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload not available"})
		return
	}

	if err := a.deps.ReloadFunc(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requireJSON checks that the Content-Type header is application/json.
// Returns false (and writes an error response) if the check fails.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Content-Type") != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}
