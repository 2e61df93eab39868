package setup

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/avolkov/chatrelay/internal/config"
)

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("custom-value\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default-val")
	if result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "fallback")
	if result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestPromptPort_RejectsInvalid(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("not-a-port\n70000\n3010\n")
	scanner := bufio.NewScanner(in)

	result := promptPort(scanner, &out, "Port: ", "3002")
	if result != "3010" {
		t.Errorf("promptPort() = %q, want %q", result, "3010")
	}
	if !strings.Contains(out.String(), "Invalid port") {
		t.Error("promptPort should complain about invalid input")
	}
}

func TestGenerateConfig(t *testing.T) {
	content := generateConfig("0.0.0.0:3002", "127.0.0.1:3003", "https://chat.example.com", "/var/lib/chatrelay", true)
	if !strings.Contains(content, `listen_address: "0.0.0.0:3002"`) {
		t.Error("config should contain listen_address")
	}
	if !strings.Contains(content, `path: "/var/lib/chatrelay/chatrelay.db"`) {
		t.Error("config should contain database path")
	}
	if !strings.Contains(content, `directory: "/var/lib/chatrelay/uploads"`) {
		t.Error("config should contain uploads directory")
	}
	if !strings.Contains(content, `public_base_url: "https://chat.example.com"`) {
		t.Error("config should contain public_base_url")
	}
	if !strings.Contains(content, "registration_enabled: true") {
		t.Error("config should contain registration_enabled")
	}
}

func TestGenerateConfig_RegistrationOff(t *testing.T) {
	content := generateConfig("0.0.0.0:3002", "127.0.0.1:3003", "http://localhost:3002", "./data", false)
	if !strings.Contains(content, "registration_enabled: false") {
		t.Error("config should contain registration_enabled: false")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	var out bytes.Buffer
	err := writeConfig(path, content, false, &out)
	if err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if string(data) != content {
		t.Errorf("config content = %q, want %q", string(data), content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0640 {
		t.Errorf("config permissions = %o, want 0640", info.Mode().Perm())
	}
}

func TestRunWizard_WritesValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	dataDir := filepath.Join(dir, "data")

	// Prompts: listen port, ops port, base URL, data dir,
	// registration, (service start when root).
	input := strings.Join([]string{
		"18402",
		"18403",
		"",
		dataDir,
		"y",
		"n",
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() error: %v\noutput:\n%s", err, out.String())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:18402" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Ops.ListenAddress != "127.0.0.1:18403" {
		t.Errorf("ops listen_address = %q", cfg.Ops.ListenAddress)
	}
	if cfg.Database.Path != filepath.Join(dataDir, "chatrelay.db") {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if !cfg.Auth.RegistrationOn {
		t.Error("registration should be enabled")
	}
	if !strings.Contains(out.String(), "Setup complete!") {
		t.Error("wizard should print completion banner")
	}
}

func TestRunWizard_DeclinesOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("existing: config\n"), 0640); err != nil {
		t.Fatal(err)
	}

	input := strings.Join([]string{
		"18404",
		"18405",
		"",
		filepath.Join(dir, "data"),
		"y",
		"n", // decline overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "existing: config\n" {
		t.Error("existing config should be untouched")
	}
	if !strings.Contains(out.String(), "Setup cancelled.") {
		t.Error("wizard should report cancellation")
	}
}
