package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want mention of missing file", err)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.WSPath != "/ws" {
		t.Errorf("ws_path = %q, want /ws", cfg.Server.WSPath)
	}
	if cfg.Signaling.PendingCallTTL != 90*time.Second {
		t.Errorf("pending_call_ttl = %v, want 90s", cfg.Signaling.PendingCallTTL)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  listen_address: "127.0.0.1:9000"
signaling:
  pending_call_ttl: 2m
  sweep_interval: 30s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Signaling.PendingCallTTL != 2*time.Minute {
		t.Errorf("pending_call_ttl = %v, want 2m", cfg.Signaling.PendingCallTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched fields keep defaults.
	if cfg.Push.Endpoint == "" {
		t.Error("push endpoint default lost")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER_LISTEN_ADDRESS", "127.0.0.1:9100")
	t.Setenv("CHATRELAY_LOGGING_LEVEL", "warn")
	t.Setenv("CHATRELAY_SECURITY_MAX_CONNECTIONS", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9100" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Security.MaxConnections != 50 {
		t.Errorf("max_connections = %d", cfg.Security.MaxConnections)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }, "listen_address"},
		{"bad listen address", func(c *Config) { c.Server.ListenAddress = "nohost" }, "listen_address"},
		{"ws path without slash", func(c *Config) { c.Server.WSPath = "ws" }, "ws_path"},
		{"zero message size", func(c *Config) { c.Server.MaxMessageSize = 0 }, "max_message_size"},
		{"oversized message size", func(c *Config) { c.Server.MaxMessageSize = 1 << 30 }, "max_message_size"},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"zero session ttl", func(c *Config) { c.Auth.SessionTTL = 0 }, "session_ttl"},
		{"refresh shorter than session", func(c *Config) { c.Auth.RefreshTTL = time.Second }, "refresh_ttl"},
		{"bcrypt cost too low", func(c *Config) { c.Auth.BcryptCost = 2 }, "bcrypt_cost"},
		{"zero pending ttl", func(c *Config) { c.Signaling.PendingCallTTL = 0 }, "pending_call_ttl"},
		{"sweep exceeds ttl", func(c *Config) { c.Signaling.SweepInterval = time.Hour }, "sweep_interval"},
		{"push without endpoint", func(c *Config) { c.Push.Endpoint = "" }, "push.endpoint"},
		{"push bad scheme", func(c *Config) { c.Push.Endpoint = "ftp://x" }, "push.endpoint"},
		{"empty uploads dir", func(c *Config) { c.Uploads.Directory = "" }, "uploads.directory"},
		{"zero max connections", func(c *Config) { c.Security.MaxConnections = 0 }, "max_connections"},
		{"per-ip exceeds global", func(c *Config) { c.Security.MaxConnectionsPerIP = 99999 }, "max_connections_per_ip"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"ops non-loopback", func(c *Config) { c.Ops.ListenAddress = "0.0.0.0:3003" }, "loopback"},
		{"ops equals server", func(c *Config) {
			c.Server.ListenAddress = "127.0.0.1:3003"
			c.Ops.ListenAddress = "127.0.0.1:3003"
		}, "must be different"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	next := DefaultConfig()
	next.Logging.Level = "debug"
	next.Security.MaxConnections = 123
	next.Signaling.PendingCallTTL = 2 * time.Minute
	next.Server.ListenAddress = "127.0.0.1:1" // not reloadable

	updated := old.ApplyReloadableFields(next)
	if updated.Logging.Level != "debug" {
		t.Error("log level not applied")
	}
	if updated.Security.MaxConnections != 123 {
		t.Error("max_connections not applied")
	}
	if updated.Signaling.PendingCallTTL != 2*time.Minute {
		t.Error("pending_call_ttl not applied")
	}
	if updated.Server.ListenAddress != old.Server.ListenAddress {
		t.Error("listen_address must not be reloadable")
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	next := DefaultConfig()
	if w := IsReloadSafe(old, next); len(w) != 0 {
		t.Errorf("identical configs produced warnings: %v", w)
	}
	next.Server.ListenAddress = "127.0.0.1:1"
	next.Database.Path = "other.db"
	w := IsReloadSafe(old, next)
	if len(w) != 2 {
		t.Errorf("warnings = %v, want 2 entries", w)
	}
}
