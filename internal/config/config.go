package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Panel Connection
	PanelURL         string        `koanf:"panel_url"`
	PanelUsername    string        `koanf:"panel_username"`
	PanelPassword    string        `koanf:"panel_password"`
	PanelToken       string        `koanf:"panel_token"`
	PanelVerifyTLS   bool          `koanf:"panel_verify_tls"`
	PanelCACert      string        `koanf:"panel_ca_cert"`
	PanelHTTPTimeout time.Duration `koanf:"panel_http_timeout"`
	PanelAPIDebug    bool          `koanf:"panel_api_debug"`

	// Session Management
	SessionReauthMinGap time.Duration `koanf:"session_reauth_min_gap"`

	// Scheduler
	TickInterval  time.Duration `koanf:"tick_interval"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`

	// Probe targets: host:port pairs swept for link quality.
	ProbeTargets []string `koanf:"probe_targets"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	DryRun         bool   `koanf:"dry_run"`
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.PanelURL = stripEnvQuotes(c.PanelURL)
	c.PanelUsername = stripEnvQuotes(c.PanelUsername)
	c.PanelPassword = stripEnvQuotes(c.PanelPassword)
	c.PanelToken = stripEnvQuotes(c.PanelToken)
	c.PanelCACert = stripEnvQuotes(c.PanelCACert)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.ProbeTargets {
		c.ProbeTargets[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"panel_verify_tls":       true,
		"panel_http_timeout":     "15s",
		"session_reauth_min_gap": "5s",
		"tick_interval":          "5m",
		"probe_interval":         "8h",
		"probe_timeout":          "3m",
		"shutdown_grace":         "30s",
		"data_dir":               "/data",
		"log_level":              "info",
		"log_format":             "json",
		"metrics_enabled":        true,
		"metrics_addr":           ":9090",
		"health_addr":            ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. PANEL_URL → "panel_url"
	// maps to struct tag koanf:"panel_url" without any nesting.
	k := koanf.New(".")

	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.ProbeTargets = splitCSV(k.String("probe_targets"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.PanelURL == "" {
		return fmt.Errorf("PANEL_URL is required")
	}
	if !strings.HasPrefix(c.PanelURL, "http://") && !strings.HasPrefix(c.PanelURL, "https://") {
		return fmt.Errorf("PANEL_URL must start with http:// or https://; got %q", c.PanelURL)
	}
	if c.PanelToken == "" && (c.PanelUsername == "" || c.PanelPassword == "") {
		return fmt.Errorf("either PANEL_TOKEN or both PANEL_USERNAME and PANEL_PASSWORD are required")
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be > 0; got %s", c.TickInterval)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be > 0; got %s", c.ProbeInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT must be > 0; got %s", c.ProbeTimeout)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be > 0; got %s", c.ShutdownGrace)
	}

	for _, target := range c.ProbeTargets {
		if !strings.Contains(target, ":") {
			return fmt.Errorf("PROBE_TARGETS: %q is not a host:port pair", target)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"panel_username",
	"panel_password",
	"panel_token",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
