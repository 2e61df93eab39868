package security

import (
	"testing"

	"golang.org/x/time/rate"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer ", ""},
		{"Basic abc123", ""},
		{"", ""},
		{"abc123", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := ClientIP(tt.addr); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 2)
	defer rl.Stop()

	if !rl.Allow("1.2.3.4") {
		t.Error("first request should pass")
	}
	if !rl.Allow("1.2.3.4") {
		t.Error("second request within burst should pass")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	// Distinct IPs are tracked independently.
	if !rl.Allow("5.6.7.8") {
		t.Error("other IP should pass")
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rl.Allow("1.2.3.4")
	if rl.Allow("1.2.3.4") {
		t.Error("should be limited before update")
	}
	rl.UpdateRate(rate.Limit(100), 100)
	if !rl.Allow("1.2.3.4") {
		t.Error("should pass after rate increase")
	}
}
