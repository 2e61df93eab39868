package relay

import (
	"sync"
	"sync/atomic"
)

// Stats tracks connection and message counters, plus per-IP
// connection counts for abuse limits.
type Stats struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64
	totalDelivered    atomic.Int64

	ipMu          sync.Mutex
	ipConnections map[string]int
}

// NewStats creates a zeroed Stats.
func NewStats() *Stats {
	return &Stats{
		ipConnections: make(map[string]int),
	}
}

// ActiveConnections returns the current number of open connections.
func (s *Stats) ActiveConnections() int {
	return int(s.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for one IP.
func (s *Stats) ConnectionCountForIP(ip string) int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	return s.ipConnections[ip]
}

// TryIncrementConnections atomically checks both limits and
// increments the counters. Returns "" on success, or the limit that
// was hit ("max_connections" or "max_connections_per_ip").
func (s *Stats) TryIncrementConnections(ip string, maxGlobal, maxPerIP int) string {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	if int(s.activeConnections.Load()) >= maxGlobal {
		return "max_connections"
	}
	if s.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}
	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	s.ipConnections[ip]++
	return ""
}

// DecrementConnections releases one connection slot.
func (s *Stats) DecrementConnections(ip string) {
	s.activeConnections.Add(-1)
	s.ipMu.Lock()
	s.ipConnections[ip]--
	if s.ipConnections[ip] <= 0 {
		delete(s.ipConnections, ip)
	}
	s.ipMu.Unlock()
}

// IncrementMessages counts one inbound signaling message.
func (s *Stats) IncrementMessages() {
	s.totalMessages.Add(1)
}

// IncrementDelivered counts one successful fan-out write.
func (s *Stats) IncrementDelivered() {
	s.totalDelivered.Add(1)
}

// TotalConnections returns connections accepted since start.
func (s *Stats) TotalConnections() int64 {
	return s.totalConnections.Load()
}

// TotalMessages returns inbound messages handled since start.
func (s *Stats) TotalMessages() int64 {
	return s.totalMessages.Load()
}

// TotalDelivered returns fan-out writes completed since start.
func (s *Stats) TotalDelivered() int64 {
	return s.totalDelivered.Load()
}

// ActiveIPConnections returns a copy of per-IP connection counts.
func (s *Stats) ActiveIPConnections() map[string]int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	out := make(map[string]int, len(s.ipConnections))
	for ip, n := range s.ipConnections {
		out[ip] = n
	}
	return out
}
