package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum env for Load to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PANEL_URL", "https://panel.example.com")
	t.Setenv("PANEL_TOKEN", "test-token-value")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickInterval != 5*time.Minute {
		t.Errorf("TickInterval default: got %s", cfg.TickInterval)
	}
	if cfg.ProbeInterval != 8*time.Hour {
		t.Errorf("ProbeInterval default: got %s", cfg.ProbeInterval)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir default: got %s", cfg.DataDir)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("log defaults: format=%s level=%s", cfg.LogFormat, cfg.LogLevel)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled should default to true")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TICK_INTERVAL", "1m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PROBE_TARGETS", "vpn1.example.com:443, vpn2.example.com:8443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickInterval != time.Minute {
		t.Errorf("TickInterval: got %s", cfg.TickInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	want := []string{"vpn1.example.com:443", "vpn2.example.com:8443"}
	if len(cfg.ProbeTargets) != len(want) {
		t.Fatalf("ProbeTargets: got %v", cfg.ProbeTargets)
	}
	for i := range want {
		if cfg.ProbeTargets[i] != want[i] {
			t.Errorf("ProbeTargets[%d]: got %q, want %q", i, cfg.ProbeTargets[i], want[i])
		}
	}
}

func TestLoadMissingPanelURL(t *testing.T) {
	t.Setenv("PANEL_URL", "")
	t.Setenv("PANEL_TOKEN", "x")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PANEL_URL") {
		t.Fatalf("expected PANEL_URL error, got %v", err)
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	t.Setenv("PANEL_URL", "https://panel.example.com")
	t.Setenv("PANEL_TOKEN", "")
	t.Setenv("PANEL_USERNAME", "admin")
	t.Setenv("PANEL_PASSWORD", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PANEL_TOKEN") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}

func TestLoadRejectsBadURL(t *testing.T) {
	t.Setenv("PANEL_URL", "panel.example.com")
	t.Setenv("PANEL_TOKEN", "x")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "http") {
		t.Fatalf("expected URL scheme error, got %v", err)
	}
}

func TestLoadRejectsBadProbeTarget(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PROBE_TARGETS", "no-port-here")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PROBE_TARGETS") {
		t.Fatalf("expected probe target error, got %v", err)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("file-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PANEL_URL", "https://panel.example.com")
	t.Setenv("PANEL_TOKEN", "")
	t.Setenv("PANEL_TOKEN_FILE", tokenFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PanelToken != "file-token" {
		t.Errorf("PanelToken from file: got %q", cfg.PanelToken)
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"quoted"`, "quoted"},
		{`'quoted'`, "quoted"},
		{`plain`, "plain"},
		{`"mismatched'`, `"mismatched'`},
		{`"`, `"`},
		{``, ``},
	}
	for _, c := range cases {
		if got := stripEnvQuotes(c.in); got != c.want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDockerEnvFileQuoting(t *testing.T) {
	t.Setenv("PANEL_URL", `"https://panel.example.com"`)
	t.Setenv("PANEL_TOKEN", `'secret'`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PanelURL != "https://panel.example.com" {
		t.Errorf("PanelURL quotes not stripped: %q", cfg.PanelURL)
	}
	if cfg.PanelToken != "secret" {
		t.Errorf("PanelToken quotes not stripped: %q", cfg.PanelToken)
	}
}
