package relay

import (
	"sync"
	"testing"
)

func TestStatsConnectionLimits(t *testing.T) {
	s := NewStats()

	if reason := s.TryIncrementConnections("1.2.3.4", 2, 1); reason != "" {
		t.Fatalf("first increment rejected: %s", reason)
	}
	if reason := s.TryIncrementConnections("1.2.3.4", 2, 1); reason != "max_connections_per_ip" {
		t.Errorf("reason = %q, want max_connections_per_ip", reason)
	}
	if reason := s.TryIncrementConnections("5.6.7.8", 2, 1); reason != "" {
		t.Fatalf("second IP rejected: %s", reason)
	}
	if reason := s.TryIncrementConnections("9.9.9.9", 2, 1); reason != "max_connections" {
		t.Errorf("reason = %q, want max_connections", reason)
	}

	s.DecrementConnections("1.2.3.4")
	if reason := s.TryIncrementConnections("9.9.9.9", 2, 1); reason != "" {
		t.Errorf("increment after decrement rejected: %s", reason)
	}
}

func TestStatsDecrementCleansIPEntry(t *testing.T) {
	s := NewStats()

	s.TryIncrementConnections("1.2.3.4", 10, 10)
	s.DecrementConnections("1.2.3.4")

	if n := len(s.ActiveIPConnections()); n != 0 {
		t.Errorf("ip map size = %d, want 0 after last disconnect", n)
	}
	if s.ActiveConnections() != 0 {
		t.Errorf("active = %d, want 0", s.ActiveConnections())
	}
}

func TestStatsConcurrentCounters(t *testing.T) {
	s := NewStats()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryIncrementConnections("1.2.3.4", 1000, 1000) == "" {
				s.IncrementMessages()
				s.IncrementDelivered()
				s.DecrementConnections("1.2.3.4")
			}
		}()
	}
	wg.Wait()

	if s.ActiveConnections() != 0 {
		t.Errorf("active = %d, want 0", s.ActiveConnections())
	}
	if s.TotalConnections() != 50 {
		t.Errorf("total = %d, want 50", s.TotalConnections())
	}
	if s.TotalMessages() != 50 || s.TotalDelivered() != 50 {
		t.Errorf("messages = %d delivered = %d, want 50 each", s.TotalMessages(), s.TotalDelivered())
	}
}
