package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// EventID computes the deduplication key for a completion signal:
// sha256 over phase_id, status, and worker_ref. Two retries of the
// same terminal outcome hash identically; a conflicting outcome for
// the same phase does not.
func EventID(phaseID, status, workerRef string) string {
	h := sha256.New()
	h.Write([]byte(phaseID))
	h.Write([]byte{0})
	h.Write([]byte(status))
	h.Write([]byte{0})
	h.Write([]byte(workerRef))
	return hex.EncodeToString(h.Sum(nil))
}

// CompletionOutcome classifies one completion report.
type CompletionOutcome int

const (
	CompletionApplied CompletionOutcome = iota
	CompletionDuplicate
	CompletionUnknownPhase
	CompletionConflict
)

// errCompletionRejected aborts the transaction so a rejected report
// leaves no dedup row behind.
var errCompletionRejected = errors.New("completion rejected")

// ApplyCompletion records the dedup event and applies the terminal
// transition in a single transaction: a report either commits fully or
// leaves nothing behind. A report rejected here may therefore be
// retried with the same event ID and is not absorbed as a duplicate.
// The returned status is the phase status observed in-transaction
// (empty for unknown phases).
func (s *Store) ApplyCompletion(eventID, phaseID string, status PhaseStatus, errMsg string) (CompletionOutcome, PhaseStatus, error) {
	if status != PhaseCompleted && status != PhaseFailed {
		return 0, "", fmt.Errorf("invalid terminal status %q", status)
	}

	now := time.Now().UTC()
	outcome := CompletionApplied
	var observed PhaseStatus
	var featureID int64
	var featureStatus FeatureStatus

	err := s.withTx(func(tx *sql.Tx) error {
		outcome = CompletionApplied
		observed = ""

		res, err := tx.Exec(`
			INSERT OR IGNORE INTO completion_events (event_id, received_at, accepted)
			VALUES (?, ?, 1)
		`, eventID, now)
		if err != nil {
			return fmt.Errorf("failed to record completion event: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			outcome = CompletionDuplicate
			return nil
		}

		err = tx.QueryRow(`SELECT status FROM phases WHERE phase_id = ?`, phaseID).Scan(&observed)
		if errors.Is(err, sql.ErrNoRows) {
			outcome = CompletionUnknownPhase
			return errCompletionRejected
		}
		if err != nil {
			return fmt.Errorf("failed to read phase: %w", err)
		}
		if observed != PhaseRunning {
			outcome = CompletionConflict
			return errCompletionRejected
		}

		applied, fid, fstatus, err := markTerminalTx(tx, phaseID, status, errMsg, now)
		if err != nil {
			return err
		}
		if !applied {
			outcome = CompletionConflict
			return errCompletionRejected
		}
		featureID, featureStatus = fid, fstatus
		return nil
	})
	if errors.Is(err, errCompletionRejected) {
		return outcome, observed, nil
	}
	if err != nil {
		return 0, "", err
	}

	if outcome == CompletionApplied {
		s.emitTerminal(phaseID, status, errMsg, featureID, featureStatus)
	}
	return outcome, observed, nil
}

// SweepCompletionEvents deletes events received before the cutoff.
// The cutoff is clamped to the stored dedup window so no event still
// inside the duplicate-absorption horizon is ever removed, whatever
// retention the caller asks for. Returns the number of rows removed.
func (s *Store) SweepCompletionEvents(olderThan time.Time) (int64, error) {
	var removed int64

	err := s.withTx(func(tx *sql.Tx) error {
		var windowSeconds int
		err := tx.QueryRow(`SELECT dedup_window_seconds FROM coordinator_config WHERE id = 1`).Scan(&windowSeconds)
		if err != nil {
			return fmt.Errorf("failed to read dedup window: %w", err)
		}

		cutoff := olderThan.UTC()
		floor := time.Now().UTC().Add(-time.Duration(windowSeconds) * time.Second)
		if cutoff.After(floor) {
			cutoff = floor
		}

		res, err := tx.Exec(`DELETE FROM completion_events WHERE received_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep completion events: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
