package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/avolkov/chatrelay/internal/auth"
	"github.com/avolkov/chatrelay/internal/blob"
	"github.com/avolkov/chatrelay/internal/chat"
	"github.com/avolkov/chatrelay/internal/config"
	"github.com/avolkov/chatrelay/internal/health"
	"github.com/avolkov/chatrelay/internal/logging"
	"github.com/avolkov/chatrelay/internal/logring"
	"github.com/avolkov/chatrelay/internal/mail"
	"github.com/avolkov/chatrelay/internal/metrics"
	"github.com/avolkov/chatrelay/internal/ops"
	"github.com/avolkov/chatrelay/internal/push"
	"github.com/avolkov/chatrelay/internal/registry"
	"github.com/avolkov/chatrelay/internal/relay"
	"github.com/avolkov/chatrelay/internal/security"
	"github.com/avolkov/chatrelay/internal/setup"
	"github.com/avolkov/chatrelay/internal/store"
	"github.com/avolkov/chatrelay/internal/upload"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "End-to-end encrypted chat backend with WebSocket signaling",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the chat relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatrelay %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  WebSocket path: %s\n", cfg.Server.WSPath)
			fmt.Printf("  Database: %s\n", cfg.Database.Path)
			fmt.Printf("  Ops: %s\n", cfg.Ops.ListenAddress)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:3003/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/chatrelay/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	// Set up logging with an in-memory ring for the ops API.
	ring := logring.NewRingBuffer(512)
	lj := logging.Setup(cfg.Logging, ring)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting chatrelay",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"ws_path", cfg.Server.WSPath,
		"ops", cfg.Ops.ListenAddress,
	)

	// Storage
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	blobs, err := blob.NewDirStore(cfg.Uploads.Directory)
	if err != nil {
		return fmt.Errorf("opening upload store: %w", err)
	}

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Ops.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Ops.MetricsEndpoint)
	}

	// Outbound side effects
	mailer := mail.NewLogMailer(cfg.Auth.EmailFrom)
	pusher := push.New(cfg.Push, m)

	// Real-time core
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	reg := registry.New()
	stats := relay.NewStats()
	pending := relay.NewPendingCalls(cfg.Signaling.PendingCallTTL, m)
	go pending.RunSweeper(shutdownCtx, cfg.Signaling.SweepInterval)

	fanout := relay.NewFanout(reg, stats, m)
	signaler := relay.NewSignaler(reg, pending, fanout, st, pusher, m, cfg.Push.Timeout)

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
		)
	}

	wsHandler := relay.NewHandler(cfg, reg, signaler, stats, rl, shutdownCtx)
	wsHandler.Metrics = m

	// HTTP API
	authH := auth.NewHandlers(st, mailer, blobs, cfg.Auth)
	chatH := chat.NewHandlers(st, fanout, pusher, blobs)
	if cfg.Push.Timeout > 0 {
		chatH.PushTimeout = cfg.Push.Timeout
	}
	uploadH := upload.NewHandlers(blobs, st, cfg.Uploads.MaxFileSize, cfg.Auth.PublicBaseURL)

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Server.WSPath, wsHandler)
	authH.Routes(mux)
	chatH.Routes(mux, authH.RequireAuth)
	uploadH.Routes(mux, authH.RequireAuth)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: mux,
	}

	// Expired sessions pile up without a periodic purge.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := st.PurgeExpiredSessions(context.Background(), time.Now())
				if err != nil {
					slog.Warn("session purge failed", "error", err)
				} else if n > 0 {
					slog.Debug("purged expired sessions", "count", n)
				}
			case <-shutdownCtx.Done():
				return
			}
		}
	}()

	// reload re-reads the config file and applies the reloadable
	// fields, shared by SIGHUP and the ops API.
	reload := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		for _, w := range config.IsReloadSafe(cfg, newCfg) {
			slog.Warn("config reload warning", "warning", w)
		}

		cfg = cfg.ApplyReloadableFields(newCfg)
		wsHandler.UpdateConfig(cfg)
		pending.SetTTL(cfg.Signaling.PendingCallTTL)

		if cfg.Security.RateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		}

		logging.Setup(cfg.Logging, ring)
		slog.Info("config reloaded successfully")
		return nil
	}

	// Ops server (loopback: health, metrics, admin API)
	var opsServer *http.Server
	if cfg.Ops.Enabled {
		healthHandler := health.NewHandler(reg, pending, stats, st, Version, cfg.Ops.Detailed)
		opsAPI := ops.New(ops.Dependencies{
			Registry:   reg,
			Pending:    pending,
			Stats:      stats,
			Handler:    wsHandler,
			RingBuffer: ring,
			Store:      st,
			Version:    Version,
			BuildTime:  BuildTime,
			GitCommit:  GitCommit,
			StartTime:  time.Now(),
			ReloadFunc: reload,
			GetConfig:  wsHandler.GetConfig,
		})

		opsMux := http.NewServeMux()
		opsMux.Handle(cfg.Ops.HealthEndpoint, healthHandler)
		opsMux.Handle("/api/v1/", opsAPI.Handler())
		if cfg.Ops.MetricsEnabled {
			opsMux.Handle(cfg.Ops.MetricsEndpoint, promhttp.Handler())
		}

		opsServer = &http.Server{
			Addr:    cfg.Ops.ListenAddress,
			Handler: opsMux,
		}
		go func() {
			slog.Info("ops endpoint listening", "address", cfg.Ops.ListenAddress)
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ops server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("server listening", "address", cfg.Server.ListenAddress)
		var err error
		if cfg.Server.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			if err := reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			// Close frames go out to active connections, then the
			// listeners shut down.
			wsHandler.StartDrain()
			shutdownCancel()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if opsServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					opsServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				server.Shutdown(ctx)
			}()
			wg.Wait()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=chatrelay - encrypted chat backend
Documentation=https://github.com/avolkov/chatrelay
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=chatrelay
Group=chatrelay
ExecStartPre=/usr/local/bin/chatrelay validate --config /etc/chatrelay/config.yaml
ExecStart=/usr/local/bin/chatrelay start --config /etc/chatrelay/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/chatrelay
LogsDirectory=chatrelay
StateDirectory=chatrelay
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=chatrelay

[Install]
WantedBy=multi-user.target
`)
}
