package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for chatrelay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Signaling SignalingConfig `yaml:"signaling"`
	Push      PushConfig      `yaml:"push"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ops       OpsConfig       `yaml:"ops"`
}

// ServerConfig contains the public HTTP/WebSocket listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	WSPath         string        `yaml:"ws_path"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains account and session settings.
type AuthConfig struct {
	SessionTTL     time.Duration `yaml:"session_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	ResetTokenTTL  time.Duration `yaml:"reset_token_ttl"`
	BcryptCost     int           `yaml:"bcrypt_cost"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	EmailFrom      string        `yaml:"email_from"`
	RegistrationOn bool          `yaml:"registration_enabled"`
}

// SignalingConfig controls the call signaling state machine.
type SignalingConfig struct {
	// PendingCallTTL bounds how long a buffered offer waits for the
	// callee to reconnect before it is evicted.
	PendingCallTTL time.Duration `yaml:"pending_call_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// PushConfig controls outbound push notifications.
type PushConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// UploadsConfig controls attachment/avatar storage.
type UploadsConfig struct {
	Directory   string `yaml:"directory"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// SecurityConfig contains abuse-control settings.
type SecurityConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// OpsConfig contains the loopback ops listener settings (health,
// metrics, admin API).
type OpsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	HealthEndpoint  string `yaml:"health_endpoint"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	Detailed        bool   `yaml:"detailed"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0:3002",
			WSPath:         "/ws",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 262144, // 256KB
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "chatrelay.db",
		},
		Auth: AuthConfig{
			SessionTTL:     15 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			ResetTokenTTL:  time.Hour,
			BcryptCost:     10,
			PublicBaseURL:  "http://localhost:3002",
			EmailFrom:      "chatrelay <no-reply@localhost>",
			RegistrationOn: true,
		},
		Signaling: SignalingConfig{
			PendingCallTTL: 90 * time.Second,
			SweepInterval:  15 * time.Second,
		},
		Push: PushConfig{
			Enabled:  true,
			Endpoint: "https://exp.host/--/api/v2/push/send",
			Timeout:  10 * time.Second,
		},
		Uploads: UploadsConfig{
			Directory:   "uploads",
			MaxFileSize: 10 * 1024 * 1024, // 10MB
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 10,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    100,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Ops: OpsConfig{
			Enabled:         true,
			ListenAddress:   "127.0.0.1:3003",
			HealthEndpoint:  "/health",
			MetricsEnabled:  true,
			MetricsEndpoint: "/metrics",
			Detailed:        true,
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'chatrelay setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 67108864 {
		return fmt.Errorf("server.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout must not exceed 5m")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	// Database validation
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Auth validation
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.SessionTTL {
		return fmt.Errorf("auth.refresh_ttl must not be shorter than auth.session_ttl")
	}
	if c.Auth.ResetTokenTTL <= 0 {
		return fmt.Errorf("auth.reset_token_ttl must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}

	// Signaling validation
	if c.Signaling.PendingCallTTL <= 0 {
		return fmt.Errorf("signaling.pending_call_ttl must be positive")
	}
	if c.Signaling.SweepInterval <= 0 {
		return fmt.Errorf("signaling.sweep_interval must be positive")
	}
	if c.Signaling.SweepInterval > c.Signaling.PendingCallTTL {
		return fmt.Errorf("signaling.sweep_interval must not exceed signaling.pending_call_ttl")
	}

	// Push validation
	if c.Push.Enabled {
		if c.Push.Endpoint == "" {
			return fmt.Errorf("push.endpoint is required when push is enabled")
		}
		if !strings.HasPrefix(c.Push.Endpoint, "http://") && !strings.HasPrefix(c.Push.Endpoint, "https://") {
			return fmt.Errorf("push.endpoint must use http:// or https:// scheme")
		}
		if c.Push.Timeout <= 0 {
			return fmt.Errorf("push.timeout must be positive")
		}
	}

	// Uploads validation
	if c.Uploads.Directory == "" {
		return fmt.Errorf("uploads.directory is required")
	}
	if c.Uploads.MaxFileSize <= 0 {
		return fmt.Errorf("uploads.max_file_size must be positive")
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Ops validation
	if c.Ops.Enabled {
		if c.Ops.ListenAddress == "" {
			return fmt.Errorf("ops.listen_address is required when ops is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Ops.ListenAddress); err != nil {
			return fmt.Errorf("ops.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Ops.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("ops.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing admin endpoints")
		}
		if c.Server.ListenAddress == c.Ops.ListenAddress {
			return fmt.Errorf("server.listen_address and ops.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies CHATRELAY_ prefixed environment variables.
// Convention: CHATRELAY_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"CHATRELAY_SERVER_LISTEN_ADDRESS":   func(v string) { cfg.Server.ListenAddress = v },
		"CHATRELAY_SERVER_WS_PATH":          func(v string) { cfg.Server.WSPath = v },
		"CHATRELAY_SERVER_DRAIN_TIMEOUT":    func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"CHATRELAY_SERVER_MAX_MESSAGE_SIZE": func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"CHATRELAY_SERVER_PING_INTERVAL":    func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"CHATRELAY_SERVER_PONG_TIMEOUT":     func(v string) { cfg.Server.PongTimeout = parseDuration(v, cfg.Server.PongTimeout) },
		"CHATRELAY_SERVER_WRITE_TIMEOUT":    func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"CHATRELAY_DATABASE_PATH":           func(v string) { cfg.Database.Path = v },
		"CHATRELAY_AUTH_SESSION_TTL":        func(v string) { cfg.Auth.SessionTTL = parseDuration(v, cfg.Auth.SessionTTL) },
		"CHATRELAY_AUTH_REFRESH_TTL":        func(v string) { cfg.Auth.RefreshTTL = parseDuration(v, cfg.Auth.RefreshTTL) },
		"CHATRELAY_AUTH_PUBLIC_BASE_URL":    func(v string) { cfg.Auth.PublicBaseURL = v },
		"CHATRELAY_SIGNALING_PENDING_CALL_TTL": func(v string) {
			cfg.Signaling.PendingCallTTL = parseDuration(v, cfg.Signaling.PendingCallTTL)
		},
		"CHATRELAY_PUSH_ENABLED":             func(v string) { cfg.Push.Enabled = parseBool(v, cfg.Push.Enabled) },
		"CHATRELAY_PUSH_ENDPOINT":            func(v string) { cfg.Push.Endpoint = v },
		"CHATRELAY_UPLOADS_DIRECTORY":        func(v string) { cfg.Uploads.Directory = v },
		"CHATRELAY_SECURITY_MAX_CONNECTIONS": func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"CHATRELAY_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"CHATRELAY_SECURITY_RATE_LIMIT_ENABLED": func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"CHATRELAY_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"CHATRELAY_LOGGING_LEVEL":      func(v string) { cfg.Logging.Level = v },
		"CHATRELAY_LOGGING_FORMAT":     func(v string) { cfg.Logging.Format = v },
		"CHATRELAY_LOGGING_FILE":       func(v string) { cfg.Logging.File = v },
		"CHATRELAY_OPS_ENABLED":        func(v string) { cfg.Ops.Enabled = parseBool(v, cfg.Ops.Enabled) },
		"CHATRELAY_OPS_LISTEN_ADDRESS": func(v string) { cfg.Ops.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, ws_path, database.path, tls, uploads.directory.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Signaling.PendingCallTTL = newCfg.Signaling.PendingCallTTL
	updated.Push = newCfg.Push
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Server.WSPath != new.Server.WSPath {
		warnings = append(warnings, "server.ws_path requires restart")
	}
	if old.Database.Path != new.Database.Path {
		warnings = append(warnings, "database.path requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Ops.ListenAddress != new.Ops.ListenAddress {
		warnings = append(warnings, "ops.listen_address requires restart")
	}
	if old.Uploads.Directory != new.Uploads.Directory {
		warnings = append(warnings, "uploads.directory requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
