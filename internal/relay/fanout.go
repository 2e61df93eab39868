package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/avolkov/chatrelay/internal/metrics"
	"github.com/avolkov/chatrelay/internal/registry"
)

// Fanout delivers one payload to every live connection of a set of
// users. Delivery is best-effort and fire-and-forget: a failed write
// to one connection never aborts the rest and never surfaces to the
// caller. Offline users are silently skipped.
type Fanout struct {
	reg     *registry.Registry
	stats   *Stats
	metrics *metrics.Metrics // optional
}

// NewFanout creates a Fanout over the given registry.
func NewFanout(reg *registry.Registry, stats *Stats, m *metrics.Metrics) *Fanout {
	return &Fanout{reg: reg, stats: stats, metrics: m}
}

// Deliver serializes event once and writes it to all live, ready
// connections of every listed user. Per-connection order follows
// call order; no ordering holds across different recipients.
func (f *Fanout) Deliver(ctx context.Context, userIDs []int64, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("fanout: marshal failed", "error", err)
		return
	}
	f.DeliverRaw(ctx, userIDs, payload)
}

// DeliverRaw is Deliver for a pre-serialized payload.
func (f *Fanout) DeliverRaw(ctx context.Context, userIDs []int64, payload []byte) {
	if f.metrics != nil {
		f.metrics.FanoutsTotal.Inc()
	}
	for _, id := range userIDs {
		for _, conn := range f.reg.ConnectionsFor(id) {
			if !conn.Ready() {
				continue
			}
			if err := conn.Write(ctx, payload); err != nil {
				// Full buffer or a race with close; the HTTP
				// response was decided independently of this.
				slog.Debug("fanout: write failed", "user_id", id, "error", err)
				f.countWrite("error")
				continue
			}
			f.countWrite("ok")
			if f.stats != nil {
				f.stats.IncrementDelivered()
			}
		}
	}
}

func (f *Fanout) countWrite(result string) {
	if f.metrics != nil {
		f.metrics.FanoutWritesTotal.WithLabelValues(result).Inc()
	}
}
