package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/steelthread/foreman/internal/events"
)

// PhaseRecord is a persisted phase row.
type PhaseRecord struct {
	PhaseID       string      `json:"phase_id"`
	FeatureID     int64       `json:"feature_id"`
	PhaseNumber   int         `json:"phase_number"`
	Title         string      `json:"title"`
	Prompt        string      `json:"prompt,omitempty"`
	DependsOn     []int       `json:"depends_on"`
	Status        PhaseStatus `json:"status"`
	Priority      int         `json:"priority"`
	QueuePosition int64       `json:"queue_position"`
	TicketRef     *string     `json:"external_ticket_ref,omitempty"`
	WorkerRef     *string     `json:"worker_ref,omitempty"`
	ErrorMessage  *string     `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ReadyAt       *time.Time  `json:"ready_at,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// NewPhase describes a phase to insert. Priority 0 means "inherit the
// feature default".
type NewPhase struct {
	PhaseNumber int
	Title       string
	Prompt      string
	DependsOn   []int
	Priority    int
}

const phaseColumns = `phase_id, feature_id, phase_number, title, prompt, depends_on,
       status, priority, queue_position, external_ticket_ref, worker_ref,
       error_message, created_at, updated_at, ready_at, started_at, completed_at`

// DefaultPriority is assigned when neither the phase nor the feature
// specifies one. Lower is more urgent.
const (
	DefaultPriority = 50
	MinPriority     = 10
	MaxPriority     = 90
)

// ValidPriority reports whether p is inside the accepted range. Zero is
// not valid here; callers use it as the "inherit the default" marker
// and must check before passing it through.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// InsertPhases bulk-inserts phases for an existing feature in one
// transaction. Queue positions are assigned strictly greater than any
// existing position, in slice order. A phase with no dependencies is
// born ready; all others start queued. Returns generated phase IDs.
func (s *Store) InsertPhases(featureID int64, defaultPriority int, phases []NewPhase) ([]string, error) {
	if defaultPriority == 0 {
		defaultPriority = DefaultPriority
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(phases))
	var emitted []events.Event

	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		ids, emitted, err = insertPhasesTx(tx, featureID, defaultPriority, phases, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(emitted...)
	return ids, nil
}

// insertPhasesTx performs the bulk phase insert inside an open
// transaction, returning generated IDs and the events to emit after
// commit.
func insertPhasesTx(tx *sql.Tx, featureID int64, defaultPriority int, phases []NewPhase, now time.Time) ([]string, []events.Event, error) {
	var maxPos int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(queue_position), 0) FROM phases`).Scan(&maxPos); err != nil {
		return nil, nil, fmt.Errorf("failed to read max queue position: %w", err)
	}

	insert := `
		INSERT INTO phases (
			phase_id, feature_id, phase_number, title, prompt, depends_on,
			status, priority, queue_position, created_at, updated_at, ready_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ids := make([]string, 0, len(phases))
	emitted := make([]events.Event, 0, len(phases))

	for i, p := range phases {
		phaseID := ulid.Make().String()

		deps := p.DependsOn
		if deps == nil {
			deps = []int{}
		}
		depsJSON, err := json.Marshal(deps)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode depends_on: %w", err)
		}

		status := PhaseQueued
		var readyAt *time.Time
		if len(deps) == 0 {
			status = PhaseReady
			readyAt = &now
		}

		priority := p.Priority
		if priority == 0 {
			priority = defaultPriority
		}

		pos := maxPos + int64(i) + 1
		_, err = tx.Exec(insert,
			phaseID, featureID, p.PhaseNumber, p.Title, p.Prompt, string(depsJSON),
			status, priority, pos, now, now, readyAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert phase %d: %w", p.PhaseNumber, err)
		}

		ids = append(ids, phaseID)
		ev := events.PhaseQueued
		if status == PhaseReady {
			ev = events.PhaseReady
		}
		emitted = append(emitted, events.NewEvent(ev, phaseID).
			WithFeature(featureID).WithStatus(string(status)))
	}
	return ids, emitted, nil
}

// TryClaim atomically transitions a phase ready -> running.
// Returns true iff this call won the claim; false means another
// admission got there first (not an error). This conditional update is
// the sole mechanism enforcing the one-active-worker guarantee.
func (s *Store) TryClaim(phaseID string) (bool, error) {
	now := time.Now().UTC()
	claimed := false
	var featureID int64
	featureStarted := false

	err := s.withTx(func(tx *sql.Tx) error {
		claimed = false
		featureStarted = false

		res, err := tx.Exec(`
			UPDATE phases
			SET status = ?, started_at = ?, updated_at = ?
			WHERE phase_id = ? AND status = ?
		`, PhaseRunning, now, now, phaseID, PhaseReady)
		if err != nil {
			return fmt.Errorf("failed to claim phase: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}
		claimed = true

		if err := tx.QueryRow(`SELECT feature_id FROM phases WHERE phase_id = ?`, phaseID).Scan(&featureID); err != nil {
			return fmt.Errorf("failed to read claimed phase: %w", err)
		}

		// First admission moves the feature out of planning
		res, err = tx.Exec(`
			UPDATE features SET status = ?, updated_at = ?
			WHERE feature_id = ? AND status = ?
		`, FeatureInProgress, now, featureID, FeaturePlanning)
		if err != nil {
			return fmt.Errorf("failed to update feature status: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			featureStarted = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if claimed {
		evs := []events.Event{
			events.NewEvent(events.PhaseStarted, phaseID).
				WithFeature(featureID).WithStatus(string(PhaseRunning)),
		}
		if featureStarted {
			evs = append(evs, events.Event{
				Type:    events.FeatureStarted,
				Feature: featureID,
				Status:  string(FeatureInProgress),
			})
		}
		s.emit(evs...)
	}
	return claimed, nil
}

// SetLaunchRefs records the external ticket and worker references on a
// running phase. Returns false if the phase is no longer running.
func (s *Store) SetLaunchRefs(phaseID, ticketRef, workerRef string) (bool, error) {
	now := time.Now().UTC()
	updated := false

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE phases
			SET external_ticket_ref = ?, worker_ref = ?, updated_at = ?
			WHERE phase_id = ? AND status = ?
		`, ticketRef, workerRef, now, phaseID, PhaseRunning)
		if err != nil {
			return fmt.Errorf("failed to set launch refs: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		updated = rows == 1
		return nil
	})
	return updated, err
}

// MarkTerminal transitions a phase running -> completed|failed and
// rolls the feature status up in the same transaction. Returns false
// if the phase was not running (lost race or invalid source state).
func (s *Store) MarkTerminal(phaseID string, status PhaseStatus, errMsg string) (bool, error) {
	if status != PhaseCompleted && status != PhaseFailed {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}

	now := time.Now().UTC()
	applied := false
	var featureID int64
	var featureStatus FeatureStatus

	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		applied, featureID, featureStatus, err = markTerminalTx(tx, phaseID, status, errMsg, now)
		return err
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.emitTerminal(phaseID, status, errMsg, featureID, featureStatus)
	}
	return applied, nil
}

// markTerminalTx applies the running -> terminal transition and the
// feature rollup inside the caller's transaction.
func markTerminalTx(tx *sql.Tx, phaseID string, status PhaseStatus, errMsg string, now time.Time) (bool, int64, FeatureStatus, error) {
	var errArg *string
	if errMsg != "" {
		errArg = &errMsg
	}

	res, err := tx.Exec(`
		UPDATE phases
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE phase_id = ? AND status = ?
	`, status, errArg, now, now, phaseID, PhaseRunning)
	if err != nil {
		return false, 0, "", fmt.Errorf("failed to mark terminal: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, 0, "", fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return false, 0, "", nil
	}

	var featureID int64
	if err := tx.QueryRow(`SELECT feature_id FROM phases WHERE phase_id = ?`, phaseID).Scan(&featureID); err != nil {
		return false, 0, "", fmt.Errorf("failed to read phase: %w", err)
	}

	featureStatus, err := rollupFeature(tx, featureID, now)
	if err != nil {
		return false, 0, "", err
	}
	return true, featureID, featureStatus, nil
}

// emitTerminal publishes the change notifications for a committed
// terminal transition.
func (s *Store) emitTerminal(phaseID string, status PhaseStatus, errMsg string, featureID int64, featureStatus FeatureStatus) {
	ev := events.PhaseCompleted
	if status == PhaseFailed {
		ev = events.PhaseFailed
	}
	evs := []events.Event{
		events.NewEvent(ev, phaseID).
			WithFeature(featureID).WithStatus(string(status)),
	}
	if errMsg != "" {
		evs[0].Error = errMsg
	}
	if featureStatus != "" {
		fev := events.FeatureCompleted
		if featureStatus == FeatureFailed {
			fev = events.FeatureFailed
		}
		evs = append(evs, events.Event{
			Type:    fev,
			Feature: featureID,
			Status:  string(featureStatus),
		})
	}
	s.emit(evs...)
}

// rollupFeature recomputes the feature status after a terminal phase
// transition. Returns the new status if it changed, "" otherwise.
// Runs inside the caller's transaction.
func rollupFeature(tx *sql.Tx, featureID int64, now time.Time) (FeatureStatus, error) {
	var total, completed, failed int
	err := tx.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'completed'), 0),
		       COALESCE(SUM(status = 'failed'), 0)
		FROM phases WHERE feature_id = ?
	`, featureID).Scan(&total, &completed, &failed)
	if err != nil {
		return "", fmt.Errorf("failed to count feature phases: %w", err)
	}

	var target FeatureStatus
	switch {
	case failed > 0:
		target = FeatureFailed
	case completed == total:
		target = FeatureCompleted
	default:
		return "", nil
	}

	res, err := tx.Exec(`
		UPDATE features SET status = ?, updated_at = ?
		WHERE feature_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`, target, now, featureID)
	if err != nil {
		return "", fmt.Errorf("failed to roll up feature status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	return target, nil
}

// MarkReady transitions a phase queued -> ready, stamping ready_at.
// Returns false for any other source state, which makes the transition
// idempotent when two parents complete nearly simultaneously.
func (s *Store) MarkReady(phaseID string) (bool, error) {
	now := time.Now().UTC()
	applied := false
	var featureID int64

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE phases
			SET status = ?, ready_at = ?, updated_at = ?
			WHERE phase_id = ? AND status = ?
		`, PhaseReady, now, now, phaseID, PhaseQueued)
		if err != nil {
			return fmt.Errorf("failed to mark ready: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			applied = false
			return nil
		}
		applied = true
		return tx.QueryRow(`SELECT feature_id FROM phases WHERE phase_id = ?`, phaseID).Scan(&featureID)
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.emit(events.NewEvent(events.PhaseReady, phaseID).
			WithFeature(featureID).WithStatus(string(PhaseReady)))
	}
	return applied, nil
}

// MarkBlocked transitions the given phases to blocked in a single
// transaction. Phases already terminal or running are skipped. Returns
// the IDs actually blocked.
func (s *Store) MarkBlocked(phaseIDs []string, blockedBy string) ([]string, error) {
	if len(phaseIDs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var blocked []string
	var emitted []events.Event

	err := s.withTx(func(tx *sql.Tx) error {
		blocked = blocked[:0]
		emitted = emitted[:0]

		for _, id := range phaseIDs {
			res, err := tx.Exec(`
				UPDATE phases
				SET status = ?, error_message = ?, updated_at = ?
				WHERE phase_id = ? AND status IN (?, ?)
			`, PhaseBlocked, "blocked by "+blockedBy, now, id, PhaseQueued, PhaseReady)
			if err != nil {
				return fmt.Errorf("failed to block phase %s: %w", id, err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check rows affected: %w", err)
			}
			if rows == 0 {
				continue
			}

			var featureID int64
			if err := tx.QueryRow(`SELECT feature_id FROM phases WHERE phase_id = ?`, id).Scan(&featureID); err != nil {
				return fmt.Errorf("failed to read blocked phase: %w", err)
			}

			blocked = append(blocked, id)
			emitted = append(emitted, events.NewEvent(events.PhaseBlocked, id).
				WithFeature(featureID).WithStatus(string(PhaseBlocked)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(emitted...)
	return blocked, nil
}

// Unblock transitions a blocked phase back to queued (operator
// intervention after clearing the failed predecessor).
func (s *Store) Unblock(phaseID string) (bool, error) {
	now := time.Now().UTC()
	applied := false

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE phases
			SET status = ?, error_message = NULL, updated_at = ?
			WHERE phase_id = ? AND status = ?
		`, PhaseQueued, now, phaseID, PhaseBlocked)
		if err != nil {
			return fmt.Errorf("failed to unblock phase: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		applied = rows == 1
		return nil
	})
	return applied, err
}

// FindNextReady returns the next admittable phase under the total
// order (priority ASC, queue_position ASC, feature_id ASC), or nil if
// no phase is ready. The query is a pure read; admission commits via
// TryClaim.
func (s *Store) FindNextReady() (*PhaseRecord, error) {
	row := s.conn.QueryRow(`
		SELECT `+phaseColumns+`
		FROM phases
		WHERE status = ? AND external_ticket_ref IS NULL
		ORDER BY priority ASC, queue_position ASC, feature_id ASC
		LIMIT 1
	`, PhaseReady)

	phase, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next ready phase: %w", err)
	}
	return phase, nil
}

// FindNewlyReady returns queued siblings of the completed phase whose
// every declared predecessor is now completed. The sibling set is read
// in one transaction so a racing completion cannot skew the check.
func (s *Store) FindNewlyReady(featureID int64, completedNumber int) ([]*PhaseRecord, error) {
	var candidates []*PhaseRecord

	err := s.withTx(func(tx *sql.Tx) error {
		candidates = candidates[:0]

		rows, err := tx.Query(`
			SELECT `+phaseColumns+`
			FROM phases
			WHERE feature_id = ?
			ORDER BY phase_number
		`, featureID)
		if err != nil {
			return fmt.Errorf("failed to list feature phases: %w", err)
		}
		defer rows.Close()

		var siblings []*PhaseRecord
		statusByNumber := make(map[int]PhaseStatus)
		for rows.Next() {
			p, err := scanPhase(rows)
			if err != nil {
				return fmt.Errorf("failed to scan phase: %w", err)
			}
			siblings = append(siblings, p)
			statusByNumber[p.PhaseNumber] = p.Status
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating phases: %w", err)
		}

		for _, p := range siblings {
			if p.Status != PhaseQueued {
				continue
			}
			if !containsInt(p.DependsOn, completedNumber) {
				continue
			}
			allDone := true
			for _, dep := range p.DependsOn {
				if statusByNumber[dep] != PhaseCompleted {
					allDone = false
					break
				}
			}
			if allDone {
				candidates = append(candidates, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// CountRunning returns the number of phases currently running.
func (s *Store) CountRunning() (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM phases WHERE status = ?`, PhaseRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running phases: %w", err)
	}
	return n, nil
}

// CountPhases returns the total number of phases in a feature.
func (s *Store) CountPhases(featureID int64) (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM phases WHERE feature_id = ?`, featureID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count feature phases: %w", err)
	}
	return n, nil
}

// CountByStatus returns phase counts keyed by status.
func (s *Store) CountByStatus() (map[PhaseStatus]int, error) {
	rows, err := s.conn.Query(`SELECT status, COUNT(*) FROM phases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count phases: %w", err)
	}
	defer rows.Close()

	counts := make(map[PhaseStatus]int)
	for rows.Next() {
		var status PhaseStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Get retrieves a phase by ID. Returns nil, nil if not found.
func (s *Store) Get(phaseID string) (*PhaseRecord, error) {
	row := s.conn.QueryRow(`SELECT `+phaseColumns+` FROM phases WHERE phase_id = ?`, phaseID)
	phase, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phase: %w", err)
	}
	return phase, nil
}

// ListByFeature returns all phases of a feature in phase-number order.
func (s *Store) ListByFeature(featureID int64) ([]*PhaseRecord, error) {
	rows, err := s.conn.Query(`
		SELECT `+phaseColumns+`
		FROM phases
		WHERE feature_id = ?
		ORDER BY phase_number
	`, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	defer rows.Close()

	return collectPhases(rows)
}

// ListByStatus returns all phases with the given status, selector order.
func (s *Store) ListByStatus(status PhaseStatus) ([]*PhaseRecord, error) {
	rows, err := s.conn.Query(`
		SELECT `+phaseColumns+`
		FROM phases
		WHERE status = ?
		ORDER BY priority ASC, queue_position ASC, feature_id ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases by status: %w", err)
	}
	defer rows.Close()

	return collectPhases(rows)
}

// ListRunningOlderThan returns running phases that started before the
// cutoff. Used by startup reconciliation to find orphans.
func (s *Store) ListRunningOlderThan(cutoff time.Time) ([]*PhaseRecord, error) {
	rows, err := s.conn.Query(`
		SELECT `+phaseColumns+`
		FROM phases
		WHERE status = ? AND started_at < ?
	`, PhaseRunning, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list running phases: %w", err)
	}
	defer rows.Close()

	return collectPhases(rows)
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanPhase(row scanner) (*PhaseRecord, error) {
	p := &PhaseRecord{}
	var depsJSON string
	err := row.Scan(
		&p.PhaseID, &p.FeatureID, &p.PhaseNumber, &p.Title, &p.Prompt, &depsJSON,
		&p.Status, &p.Priority, &p.QueuePosition, &p.TicketRef, &p.WorkerRef,
		&p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt, &p.ReadyAt, &p.StartedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &p.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on: %w", err)
	}
	return p, nil
}

func collectPhases(rows *sql.Rows) ([]*PhaseRecord, error) {
	var phases []*PhaseRecord
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		phases = append(phases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phases: %w", err)
	}
	return phases, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
