package config

import (
	"os"
	"path/filepath"
)

// baseDir is the foreman state directory, ~/.foreman.
func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

// DefaultConfig returns the built-in defaults. File values and
// environment overrides are layered on top.
func DefaultConfig() *Config {
	base := baseDir()
	return &Config{
		DBPath:     filepath.Join(base, "foreman.db"),
		LockPath:   filepath.Join(base, "foreman.lock"),
		ListenAddr: ":8484",
		Scheduler: SchedulerConfig{
			MaxConcurrent:      3,
			DedupWindowSeconds: 30,
			OrphanTimeout:      "1h",
			SweepInterval:      "1m",
			DedupRetention:     "24h",
		},
		Worker: WorkerConfig{
			LogDir:              filepath.Join(base, "logs"),
			MaxLaunchesInFlight: 4,
		},
	}
}
