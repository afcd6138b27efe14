package config

import (
	"fmt"
	"time"
)

// validateConfig checks invariants after all layers are applied.
func validateConfig(cfg *Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if cfg.LockPath == "" {
		return fmt.Errorf("lock_path is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook_secret is required")
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1, got %d", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.DedupWindowSeconds < 1 {
		return fmt.Errorf("scheduler.dedup_window_seconds must be at least 1, got %d", cfg.Scheduler.DedupWindowSeconds)
	}
	if cfg.Worker.MaxLaunchesInFlight < 1 {
		return fmt.Errorf("worker.max_launches_in_flight must be at least 1, got %d", cfg.Worker.MaxLaunchesInFlight)
	}

	for name, value := range map[string]string{
		"scheduler.orphan_timeout":  cfg.Scheduler.OrphanTimeout,
		"scheduler.sweep_interval":  cfg.Scheduler.SweepInterval,
		"scheduler.dedup_retention": cfg.Scheduler.DedupRetention,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}
