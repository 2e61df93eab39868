// Package setup implements the interactive first-run wizard that
// writes a commented config file and optionally starts the service.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avolkov/chatrelay/internal/config"
)

const (
	defaultConfigPath = "/etc/chatrelay/config.yaml"
	defaultListenPort = "3002"
	defaultOpsPort    = "3003"
	defaultDataDir    = "/var/lib/chatrelay"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string // Override default config path
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	dataDir := defaultDataDir
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		dataDir = "./data"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo chatrelay setup\n\n")
	}

	fmt.Fprintln(out, "chatrelay Setup")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)

	// Step 1: Listen port
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort),
		defaultListenPort)
	listenAddress := net.JoinHostPort("0.0.0.0", listenPort)

	if reason := checkPortAvailable("0.0.0.0", listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s %s\n\n", listenPort, reason)
	}

	// Step 2: Ops port (health, metrics, admin API on loopback)
	opsPort := promptPort(scanner, out,
		fmt.Sprintf("Ops port [%s]: ", defaultOpsPort),
		defaultOpsPort)
	opsAddress := net.JoinHostPort("127.0.0.1", opsPort)

	if reason := checkPortAvailable("127.0.0.1", opsPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", opsPort, reason)
	}

	// Step 3: Public base URL (used in mailed links and upload URLs)
	defaultBaseURL := "http://localhost:" + listenPort
	baseURL := prompt(scanner, out,
		fmt.Sprintf("Public base URL [%s]: ", defaultBaseURL),
		defaultBaseURL)

	// Step 4: Data directory (database file and uploads)
	dataDir = prompt(scanner, out,
		fmt.Sprintf("Data directory [%s]: ", dataDir),
		dataDir)

	// Step 5: Open registration
	registration := prompt(scanner, out,
		"Allow new account registration? [Y/n]: ", "y")
	registrationOn := strings.HasPrefix(strings.ToLower(registration), "y") || registration == ""

	// Step 6: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 7: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(listenAddress, opsAddress, baseURL, dataDir, registrationOn)

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 8: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 9: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start chatrelay service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start chatrelay")
			}
		}
	}

	// Step 10: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Server:       http://%s (WebSocket at /ws)\n", listenAddress)
	fmt.Fprintf(out, "  Ops:          http://%s/health\n", opsAddress)
	fmt.Fprintf(out, "  Data:         %s\n", dataDir)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", opsAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u chatrelay -f")
	fmt.Fprintln(out, "  Validate:       chatrelay validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the chatrelay service.
func startSystemdService(out io.Writer) error {
	// Reload in case service file changed
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "chatrelay").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "chatrelay").Run(); err != nil {
			return err
		}
	}

	// Brief wait then check status
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "chatrelay").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(listenAddress, opsAddress, baseURL, dataDir string, registrationOn bool) string {
	return fmt.Sprintf(`# chatrelay Configuration
# Generated by: chatrelay setup
# Documentation: https://github.com/avolkov/chatrelay

server:
  # Public listener for the REST API and WebSocket endpoint
  listen_address: "%s"
  ws_path: "/ws"

  # Shutdown: wait for active connections to finish
  drain_timeout: "30s"

  # WebSocket settings
  max_message_size: 262144  # 256KB
  ping_interval: "30s"
  pong_timeout: "10s"
  write_timeout: "10s"

database:
  path: "%s"

auth:
  session_ttl: "15m"
  refresh_ttl: "168h"
  reset_token_ttl: "1h"
  bcrypt_cost: 10
  public_base_url: "%s"
  email_from: "chatrelay <no-reply@localhost>"
  registration_enabled: %v

signaling:
  # Buffered call offers wait this long for the callee to reconnect
  pending_call_ttl: "90s"
  sweep_interval: "15s"

push:
  enabled: true
  endpoint: "https://exp.host/--/api/v2/push/send"
  timeout: "10s"

uploads:
  directory: "%s"
  max_file_size: 10485760  # 10MB

security:
  rate_limit:
    enabled: true
    connections_per_minute: 60
    messages_per_second: 100

  max_connections: 1000
  max_connections_per_ip: 10

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

ops:
  enabled: true
  listen_address: "%s"
  health_endpoint: "/health"
  metrics_enabled: true
  metrics_endpoint: "/metrics"
  detailed: true
`,
		yamlEscapeString(listenAddress),
		yamlEscapeString(filepath.Join(dataDir, "chatrelay.db")),
		yamlEscapeString(baseURL),
		registrationOn,
		yamlEscapeString(filepath.Join(dataDir, "uploads")),
		yamlEscapeString(opsAddress),
	)
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Set ownership to chatrelay:chatrelay if running as root
	if setOwnership {
		u, err := user.Lookup("chatrelay")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user chatrelay: %v\n", err)
		} else {
			g, err := user.LookupGroup("chatrelay")
			if err != nil {
				fmt.Fprintf(out, "  WARNING: Could not look up group chatrelay: %v\n", err)
			} else {
				uid, err := strconv.Atoi(u.Uid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user chatrelay: %v\n", u.Uid, err)
					return nil
				}
				gid, err := strconv.Atoi(g.Gid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group chatrelay: %v\n", g.Gid, err)
					return nil
				}
				if err := os.Chown(path, uid, gid); err != nil {
					fmt.Fprintf(out, "  WARNING: Could not set ownership to chatrelay:chatrelay: %v\n", err)
				}
			}
		}
	}

	return nil
}
