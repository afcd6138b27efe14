package store

import (
	"database/sql"
	"fmt"
)

// CoordinatorConfig is the single-row process-wide scheduler state.
// It lives in the store so pause and the concurrency cap survive
// restarts and are visible to read-only spares.
type CoordinatorConfig struct {
	Paused             bool `json:"paused"`
	MaxConcurrent      int  `json:"max_concurrent"`
	DedupWindowSeconds int  `json:"dedup_window_seconds"`
}

// LoadCoordinatorConfig reads the current coordinator configuration.
func (s *Store) LoadCoordinatorConfig() (CoordinatorConfig, error) {
	var cfg CoordinatorConfig
	err := s.conn.QueryRow(`
		SELECT paused, max_concurrent, dedup_window_seconds
		FROM coordinator_config WHERE id = 1
	`).Scan(&cfg.Paused, &cfg.MaxConcurrent, &cfg.DedupWindowSeconds)
	if err != nil {
		return cfg, fmt.Errorf("failed to load coordinator config: %w", err)
	}
	return cfg, nil
}

// SetPaused toggles the global admission gate.
func (s *Store) SetPaused(paused bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE coordinator_config SET paused = ? WHERE id = 1`, paused); err != nil {
			return fmt.Errorf("failed to set paused: %w", err)
		}
		return nil
	})
}

// SetMaxConcurrent updates the global concurrency cap. Lowering the
// cap never terminates in-flight work; it only gates new admissions.
func (s *Store) SetMaxConcurrent(n int) error {
	if n < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", n)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE coordinator_config SET max_concurrent = ? WHERE id = 1`, n); err != nil {
			return fmt.Errorf("failed to set max_concurrent: %w", err)
		}
		return nil
	})
}

// SetDedupWindow updates the deduplication window in seconds.
func (s *Store) SetDedupWindow(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("dedup_window_seconds must be >= 1, got %d", seconds)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE coordinator_config SET dedup_window_seconds = ? WHERE id = 1`, seconds); err != nil {
			return fmt.Errorf("failed to set dedup_window_seconds: %w", err)
		}
		return nil
	})
}
