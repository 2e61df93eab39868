package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/chatrelay/internal/metrics"
)

// pendingCall buffers call-setup signaling for a callee who has no
// live connection: one offer plus the ICE candidates that arrived
// after it, in arrival order.
type pendingCall struct {
	offer      []byte
	createdAt  time.Time
	candidates [][]byte
}

// PendingCallInfo is a read-only view of one buffered call for the
// ops API.
type PendingCallInfo struct {
	Target     int64     `json:"target"`
	CreatedAt  time.Time `json:"created_at"`
	Candidates int       `json:"candidates"`
}

// PendingCalls holds at most one buffered call per target user.
// Entries are consumed by replay, cleared on call-ended, or evicted
// by the TTL sweep. Thread-safe.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
	ttl   time.Duration

	metrics *metrics.Metrics // optional
}

// NewPendingCalls creates an empty buffer with the given entry TTL.
func NewPendingCalls(ttl time.Duration, m *metrics.Metrics) *PendingCalls {
	return &PendingCalls{
		calls:   make(map[int64]*pendingCall),
		ttl:     ttl,
		metrics: m,
	}
}

// SetOffer creates or overwrites the buffered offer for target.
// Last offer wins: a second caller dialing the same offline target
// replaces the first caller's offer, matching the reference behavior.
func (p *PendingCalls) SetOffer(target int64, payload []byte) {
	p.mu.Lock()
	call := p.calls[target]
	if call == nil {
		call = &pendingCall{}
		p.calls[target] = call
	} else {
		// New offer supersedes candidates of the replaced one.
		call.candidates = nil
	}
	call.offer = append([]byte(nil), payload...)
	call.createdAt = time.Now()
	n := len(p.calls)
	p.mu.Unlock()

	p.gauge(n)
	slog.Debug("signaling: offer buffered", "target", target)
}

// AddCandidate appends an ICE candidate to an existing pending call.
// Returns false (and drops the candidate) when no call was ever
// initiated to this target or it already ended.
func (p *PendingCalls) AddCandidate(target int64, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[target]
	if !ok {
		return false
	}
	call.candidates = append(call.candidates, append([]byte(nil), payload...))
	return true
}

// Take consumes the pending call for target, returning the offer and
// candidates in buffering order. A second Take for the same target
// returns ok=false.
func (p *PendingCalls) Take(target int64) (offer []byte, candidates [][]byte, ok bool) {
	p.mu.Lock()
	call, ok := p.calls[target]
	if ok {
		delete(p.calls, target)
	}
	n := len(p.calls)
	p.mu.Unlock()

	if !ok {
		return nil, nil, false
	}
	p.gauge(n)
	return call.offer, call.candidates, true
}

// Delete drops any pending call for target. No-op when absent.
func (p *PendingCalls) Delete(target int64) bool {
	p.mu.Lock()
	_, ok := p.calls[target]
	if ok {
		delete(p.calls, target)
	}
	n := len(p.calls)
	p.mu.Unlock()

	if ok {
		p.gauge(n)
	}
	return ok
}

// Len returns the number of buffered calls.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// SetTTL updates the eviction TTL (config reload).
func (p *PendingCalls) SetTTL(ttl time.Duration) {
	p.mu.Lock()
	p.ttl = ttl
	p.mu.Unlock()
}

// Snapshot returns a view of all buffered calls for the ops API.
func (p *PendingCalls) Snapshot() []PendingCallInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PendingCallInfo, 0, len(p.calls))
	for target, call := range p.calls {
		out = append(out, PendingCallInfo{
			Target:     target,
			CreatedAt:  call.createdAt,
			Candidates: len(call.candidates),
		})
	}
	return out
}

// sweepOnce evicts entries older than the TTL and returns how many
// were dropped.
func (p *PendingCalls) sweepOnce(now time.Time) int {
	p.mu.Lock()
	var evicted int
	for target, call := range p.calls {
		if p.ttl > 0 && now.Sub(call.createdAt) > p.ttl {
			delete(p.calls, target)
			evicted++
			slog.Debug("signaling: pending call expired", "target", target, "age", now.Sub(call.createdAt).String())
		}
	}
	n := len(p.calls)
	p.mu.Unlock()

	if evicted > 0 {
		p.gauge(n)
		if p.metrics != nil {
			p.metrics.PendingEvictions.Add(float64(evicted))
		}
	}
	return evicted
}

// RunSweeper evicts expired entries every interval until ctx is done.
// Abandoned offers would otherwise sit in memory forever.
func (p *PendingCalls) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(time.Now())
		}
	}
}

func (p *PendingCalls) gauge(n int) {
	if p.metrics != nil {
		p.metrics.PendingCalls.Set(float64(n))
	}
}
