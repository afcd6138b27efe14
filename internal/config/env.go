package config

import (
	"fmt"
	"os"
	"strconv"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "FOREMAN_DB_PATH",
		apply: func(c *Config, v string) {
			c.DBPath = v
		},
	},
	{
		envVar: "FOREMAN_LOCK_PATH",
		apply: func(c *Config, v string) {
			c.LockPath = v
		},
	},
	{
		envVar: "FOREMAN_LISTEN_ADDR",
		apply: func(c *Config, v string) {
			c.ListenAddr = v
		},
	},
	{
		envVar: "FOREMAN_WEBHOOK_SECRET",
		apply: func(c *Config, v string) {
			c.WebhookSecret = v
		},
	},
	{
		envVar: "FOREMAN_ADMIN_TOKEN",
		apply: func(c *Config, v string) {
			c.AdminToken = v
		},
	},
	{
		envVar: "FOREMAN_TICKET_SERVICE_URL",
		apply: func(c *Config, v string) {
			c.Ticket.ServiceURL = v
		},
	},
	{
		envVar: "FOREMAN_TICKET_SERVICE_TOKEN",
		apply: func(c *Config, v string) {
			c.Ticket.Token = v
		},
	},
	{
		envVar: "FOREMAN_CALLBACK_URL",
		apply: func(c *Config, v string) {
			c.Worker.CallbackURL = v
		},
	},
	{
		envVar: "FOREMAN_MAX_CONCURRENT",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.Scheduler.MaxConcurrent = n
			}
		},
	},
	{
		envVar: "FOREMAN_DEDUP_WINDOW_SECONDS",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.Scheduler.DedupWindowSeconds = n
			}
		},
	},
	{
		envVar: "FOREMAN_ORPHAN_TIMEOUT_SECONDS",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.Scheduler.OrphanTimeout = fmt.Sprintf("%ds", n)
			}
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
