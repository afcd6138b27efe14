package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/steelthread/foreman/internal/events"
)

// FeatureRecord is a persisted feature row.
type FeatureRecord struct {
	FeatureID   int64         `json:"feature_id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	TotalPhases int           `json:"total_phases"`
	Status      FeatureStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

const featureColumns = `feature_id, title, description, total_phases, status, created_at, updated_at`

// SubmitFeature creates a feature and all its phases in one
// transaction. The caller is expected to have validated the dependency
// graph; nothing is persisted on error.
func (s *Store) SubmitFeature(title, description string, priority int, phases []NewPhase) (int64, []string, error) {
	if len(phases) == 0 {
		return 0, nil, fmt.Errorf("feature must declare at least one phase")
	}
	if priority == 0 {
		priority = DefaultPriority
	}

	now := time.Now().UTC()
	var featureID int64
	var phaseIDs []string
	var emitted []events.Event

	err := s.withTx(func(tx *sql.Tx) error {
		phaseIDs = phaseIDs[:0]
		emitted = emitted[:0]

		res, err := tx.Exec(`
			INSERT INTO features (title, description, total_phases, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, title, description, len(phases), FeaturePlanning, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert feature: %w", err)
		}
		featureID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read feature id: %w", err)
		}

		phaseIDs, emitted, err = insertPhasesTx(tx, featureID, priority, phases, now)
		return err
	})
	if err != nil {
		return 0, nil, err
	}

	all := append([]events.Event{{
		Type:    events.FeatureSubmitted,
		Feature: featureID,
		Status:  string(FeaturePlanning),
	}}, emitted...)
	s.emit(all...)

	return featureID, phaseIDs, nil
}

// GetFeature retrieves a feature by ID. Returns nil, nil if not found.
func (s *Store) GetFeature(featureID int64) (*FeatureRecord, error) {
	row := s.conn.QueryRow(`SELECT `+featureColumns+` FROM features WHERE feature_id = ?`, featureID)
	f := &FeatureRecord{}
	err := row.Scan(&f.FeatureID, &f.Title, &f.Description, &f.TotalPhases, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	return f, nil
}

// ListFeatures returns all features, newest first.
func (s *Store) ListFeatures() ([]*FeatureRecord, error) {
	rows, err := s.conn.Query(`SELECT ` + featureColumns + ` FROM features ORDER BY feature_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []*FeatureRecord
	for rows.Next() {
		f := &FeatureRecord{}
		if err := rows.Scan(&f.FeatureID, &f.Title, &f.Description, &f.TotalPhases, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}
