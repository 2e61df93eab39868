package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chatrelay.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec // label: type (init/offer/answer/...)
	FanoutsTotal      prometheus.Counter
	FanoutWritesTotal *prometheus.CounterVec // label: result (ok/error)
	PendingCalls      prometheus.Gauge
	PendingEvictions  prometheus.Counter
	PushTotal         *prometheus.CounterVec // label: result (ok/error/skipped)
	ErrorsTotal       *prometheus.CounterVec // label: type
}

// New creates and registers all Prometheus metrics on r. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func New(r prometheus.Registerer) *Metrics {
	f := promauto.With(r)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current live WebSocket connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_users",
			Help: "Users with at least one live connection",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_total",
			Help: "Signaling messages received, by type",
		}, []string{"type"}),
		FanoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_fanouts_total",
			Help: "Chat events fanned out",
		}),
		FanoutWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_fanout_writes_total",
			Help: "Per-connection fan-out writes, by result",
		}, []string{"result"}),
		PendingCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_pending_calls",
			Help: "Buffered call offers waiting for a callee",
		}),
		PendingEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_pending_call_evictions_total",
			Help: "Pending calls dropped by TTL sweep",
		}),
		PushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_push_total",
			Help: "Push notification attempts, by result",
		}, []string{"result"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Total errors, by type",
		}, []string{"type"}),
	}
}
