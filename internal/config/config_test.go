package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Scheduler.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.ListenAddr != ":8484" {
		t.Errorf("ListenAddr = %q, want :8484", cfg.ListenAddr)
	}
	// Defaults alone are not servable: the webhook secret has no
	// sensible default and must come from the file or environment.
	if err := validateConfig(cfg); err == nil {
		t.Error("defaults validate without a webhook secret")
	}
	cfg.WebhookSecret = "s3cret"
	if err := validateConfig(cfg); err != nil {
		t.Errorf("defaults plus secret fail validation: %v", err)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FOREMAN_WEBHOOK_SECRET", "s3cret")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want default 3", cfg.Scheduler.MaxConcurrent)
	}
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9999"
webhook_secret: s3cret
scheduler:
  max_concurrent: 8
  orphan_timeout: 30m
ticket:
  service_url: https://tickets.internal
worker:
  command: ["/usr/local/bin/phase-worker", "--verbose"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Scheduler.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Ticket.ServiceURL != "https://tickets.internal" {
		t.Errorf("ServiceURL = %q", cfg.Ticket.ServiceURL)
	}
	if len(cfg.Worker.Command) != 2 || cfg.Worker.Command[0] != "/usr/local/bin/phase-worker" {
		t.Errorf("Worker.Command = %v", cfg.Worker.Command)
	}
	// Unset file fields keep defaults
	if cfg.Scheduler.SweepInterval != "1m" {
		t.Errorf("SweepInterval = %q, want default 1m", cfg.Scheduler.SweepInterval)
	}

	d, err := cfg.OrphanTimeoutDuration()
	if err != nil {
		t.Fatal(err)
	}
	if d != 30*time.Minute {
		t.Errorf("OrphanTimeoutDuration() = %s, want 30m", d)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_LISTEN_ADDR", ":7777")
	t.Setenv("FOREMAN_MAX_CONCURRENT", "12")
	t.Setenv("FOREMAN_WEBHOOK_SECRET", "from-env")
	t.Setenv("FOREMAN_ORPHAN_TIMEOUT_SECONDS", "900")
	t.Setenv("FOREMAN_DEDUP_WINDOW_SECONDS", "45")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, want env value", cfg.ListenAddr)
	}
	if cfg.Scheduler.MaxConcurrent != 12 {
		t.Errorf("MaxConcurrent = %d, want 12", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.WebhookSecret != "from-env" {
		t.Errorf("WebhookSecret = %q", cfg.WebhookSecret)
	}
	if d, err := cfg.OrphanTimeoutDuration(); err != nil || d != 15*time.Minute {
		t.Errorf("OrphanTimeoutDuration() = %v, %v; want 15m", d, err)
	}
	if cfg.Scheduler.DedupWindowSeconds != 45 {
		t.Errorf("DedupWindowSeconds = %d, want 45", cfg.Scheduler.DedupWindowSeconds)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOREMAN_LISTEN_ADDR", ":7777")
	t.Setenv("FOREMAN_WEBHOOK_SECRET", "s3cret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, env should win over file", cfg.ListenAddr)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty webhook_secret", func(c *Config) { c.WebhookSecret = "" }},
		{"zero max_concurrent", func(c *Config) { c.Scheduler.MaxConcurrent = 0 }},
		{"zero dedup_window", func(c *Config) { c.Scheduler.DedupWindowSeconds = 0 }},
		{"negative max_concurrent", func(c *Config) { c.Scheduler.MaxConcurrent = -1 }},
		{"empty db_path", func(c *Config) { c.DBPath = "" }},
		{"empty listen_addr", func(c *Config) { c.ListenAddr = "" }},
		{"bad orphan_timeout", func(c *Config) { c.Scheduler.OrphanTimeout = "soon" }},
		{"negative sweep_interval", func(c *Config) { c.Scheduler.SweepInterval = "-1m" }},
		{"zero launches in flight", func(c *Config) { c.Worker.MaxLaunchesInFlight = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.WebhookSecret = "s3cret"
			tt.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("validateConfig() = nil, want error")
			}
		})
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() accepted malformed YAML")
	}
}
