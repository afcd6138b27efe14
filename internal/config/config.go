// Package config loads coordinator configuration: defaults, then the
// YAML file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the foreman coordinator.
// It is immutable after creation via LoadConfig().
type Config struct {
	// DBPath is the sqlite database file
	DBPath string `yaml:"db_path"`

	// LockPath is the single-instance lock file
	LockPath string `yaml:"lock_path"`

	// ListenAddr is the HTTP API listen address
	ListenAddr string `yaml:"listen_addr"`

	// WebhookSecret signs worker completion reports. Required
	WebhookSecret string `yaml:"webhook_secret"`

	// AdminToken guards the admin endpoints. Empty leaves them open
	AdminToken string `yaml:"admin_token"`

	// Scheduler contains admission and sweep settings
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Ticket contains ticket service settings
	Ticket TicketConfig `yaml:"ticket"`

	// Worker contains worker process settings
	Worker WorkerConfig `yaml:"worker"`
}

// SchedulerConfig controls admission and maintenance behavior.
type SchedulerConfig struct {
	// MaxConcurrent is the initial concurrency cap, applied only when
	// the database has no stored value yet
	MaxConcurrent int `yaml:"max_concurrent"`

	// DedupWindowSeconds is the horizon within which duplicate
	// completion reports are absorbed
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`

	// OrphanTimeout is how long a running phase may go without a
	// completion report before a sweep fails it (e.g. "2h")
	OrphanTimeout string `yaml:"orphan_timeout"`

	// SweepInterval is the maintenance ticker period (e.g. "1m")
	SweepInterval string `yaml:"sweep_interval"`

	// DedupRetention is how long consumed completion event IDs are
	// kept before sweeping (e.g. "24h")
	DedupRetention string `yaml:"dedup_retention"`
}

// TicketConfig identifies the external ticket service.
type TicketConfig struct {
	// ServiceURL is the ticket service base URL. Empty selects the
	// local poster that fabricates references
	ServiceURL string `yaml:"service_url"`

	// Token is the bearer token for the ticket service
	Token string `yaml:"token"`
}

// WorkerConfig controls worker process launches.
type WorkerConfig struct {
	// Command is the worker argv; the phase ID is appended on launch
	Command []string `yaml:"command"`

	// CallbackURL is the completion webhook address workers report to.
	// Defaults to the coordinator's own listen address
	CallbackURL string `yaml:"callback_url"`

	// LogDir receives one log file per spawned worker
	LogDir string `yaml:"log_dir"`

	// MaxLaunchesInFlight bounds concurrent launch pipelines
	MaxLaunchesInFlight int `yaml:"max_launches_in_flight"`
}

// OrphanTimeoutDuration parses the orphan timeout as a Duration.
func (c *Config) OrphanTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.Scheduler.OrphanTimeout)
}

// SweepIntervalDuration parses the sweep interval as a Duration.
func (c *Config) SweepIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.Scheduler.SweepInterval)
}

// DedupRetentionDuration parses the dedup retention as a Duration.
func (c *Config) DedupRetentionDuration() (time.Duration, error) {
	return time.ParseDuration(c.Scheduler.DedupRetention)
}

// LoadConfig loads configuration from the given file path. A missing
// file is not an error; defaults plus environment overrides apply.
// Pass "" to use the default path (~/.foreman/config.yaml).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(baseDir(), "config.yaml")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// EnsureDirectories creates the directories the coordinator writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.DBPath), filepath.Dir(c.LockPath)}
	if c.Worker.LogDir != "" {
		dirs = append(dirs, c.Worker.LogDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
