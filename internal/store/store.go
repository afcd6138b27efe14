package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/steelthread/foreman/internal/events"
	_ "modernc.org/sqlite"
)

// ErrUnavailable wraps any Open failure so callers can map a dead or
// unreachable database to the dedicated startup exit code.
var ErrUnavailable = errors.New("store unavailable")

// Store wraps the SQLite connection with scheduler-specific operations.
// Every exported mutation runs in a single transaction; change
// notifications are emitted on the bus after commit, carrying only
// identifiers and status so subscribers re-read authoritative state.
type Store struct {
	conn *sql.DB
	bus  *events.Bus
}

// Open creates or opens a SQLite database at the given path.
// It enables WAL mode, foreign keys, a busy timeout, and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Single writer at a time; serialize access through one connection
	// so concurrent transactions queue instead of failing with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: apply %q: %v", ErrUnavailable, pragma, err)
		}
	}

	s := &Store{conn: conn}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s, nil
}

// SetBus attaches the event bus used for post-commit change notifications.
// Must be called before the store is shared across goroutines.
func (s *Store) SetBus(bus *events.Bus) {
	s.bus = bus
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the database is reachable. Used by health checks.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

// emit publishes change notifications after a committed transaction.
// No-op when no bus is attached (tests exercising storage only).
func (s *Store) emit(evs ...events.Event) {
	if s.bus == nil {
		return
	}
	for _, e := range evs {
		s.bus.Emit(e)
	}
}

// withTx runs fn inside a transaction with bounded retry on transient
// lock contention. Any other error aborts immediately.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		err := s.runTx(fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		backoffSleep(attempt)
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", txMaxAttempts, lastErr)
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	schema := `
-- Features table: user-submitted bundles of phases
CREATE TABLE IF NOT EXISTS features (
    feature_id      INTEGER PRIMARY KEY AUTOINCREMENT,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    total_phases    INTEGER NOT NULL,
    status          TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

-- Phases table: the scheduler's smallest addressable entity
CREATE TABLE IF NOT EXISTS phases (
    phase_id            TEXT PRIMARY KEY,
    feature_id          INTEGER NOT NULL REFERENCES features(feature_id) ON DELETE CASCADE,
    phase_number        INTEGER NOT NULL,
    title               TEXT NOT NULL,
    prompt              TEXT NOT NULL DEFAULT '',
    depends_on          TEXT NOT NULL DEFAULT '[]',
    status              TEXT NOT NULL,
    priority            INTEGER NOT NULL DEFAULT 50,
    queue_position      INTEGER NOT NULL,
    external_ticket_ref TEXT,
    worker_ref          TEXT,
    error_message       TEXT,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    ready_at            DATETIME,
    started_at          DATETIME,
    completed_at        DATETIME,
    UNIQUE(feature_id, phase_number)
);

-- Completion events: short-horizon dedup record of observed signals
CREATE TABLE IF NOT EXISTS completion_events (
    event_id        TEXT PRIMARY KEY,
    received_at     DATETIME NOT NULL,
    accepted        INTEGER NOT NULL DEFAULT 0
);

-- Coordinator config: single-row process-wide state
CREATE TABLE IF NOT EXISTS coordinator_config (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    paused               INTEGER NOT NULL DEFAULT 0,
    max_concurrent       INTEGER NOT NULL DEFAULT 3,
    dedup_window_seconds INTEGER NOT NULL DEFAULT 30
);

INSERT OR IGNORE INTO coordinator_config (id) VALUES (1);

-- Indexes for selector and resolver queries
CREATE INDEX IF NOT EXISTS idx_phases_selector ON phases(status, priority, queue_position);
CREATE INDEX IF NOT EXISTS idx_phases_feature ON phases(feature_id, phase_number);
CREATE INDEX IF NOT EXISTS idx_phases_ticket ON phases(external_ticket_ref);
CREATE INDEX IF NOT EXISTS idx_completion_received ON completion_events(received_at);
CREATE INDEX IF NOT EXISTS idx_features_status ON features(status);
`

	_, err := s.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}
