package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in the scheduler lifecycle.
// Events carry identifiers and status only, never row payloads; subscribers
// that need full state re-read the store.
type Event struct {
	// Time is when the event occurred (set by the bus on emit)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Phase is the phase ID this event relates to (empty for coordinator events)
	Phase string `json:"phase,omitempty"`

	// Feature is the owning feature ID (0 if not feature-related)
	Feature int64 `json:"feature,omitempty"`

	// Status is the phase or feature status after the transition
	Status string `json:"status,omitempty"`

	// Error contains the error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Phase lifecycle events
const (
	PhaseQueued    EventType = "phase.queued"
	PhaseReady     EventType = "phase.ready"
	PhaseStarted   EventType = "phase.started"
	PhaseCompleted EventType = "phase.completed"
	PhaseFailed    EventType = "phase.failed"
	PhaseBlocked   EventType = "phase.blocked"
)

// Feature lifecycle events
const (
	FeatureSubmitted EventType = "feature.submitted"
	FeatureStarted   EventType = "feature.started"
	FeatureCompleted EventType = "feature.completed"
	FeatureFailed    EventType = "feature.failed"
)

// Coordinator lifecycle events
const (
	CoordStarted    EventType = "coord.started"
	CoordReconciled EventType = "coord.reconciled"
	CoordPaused     EventType = "coord.paused"
	CoordResumed    EventType = "coord.resumed"
	CoordStopping   EventType = "coord.stopping"
)

// Launch events
const (
	TicketCreated    EventType = "ticket.created"
	TicketFailed     EventType = "ticket.failed"
	WorkerSpawned    EventType = "worker.spawned"
	WorkerSpawnError EventType = "worker.spawn_failed"
)

// Completion ingress events
const (
	CompletionAccepted  EventType = "completion.accepted"
	CompletionDuplicate EventType = "completion.duplicate"
	CompletionRejected  EventType = "completion.rejected"
)

// NewEvent creates an event with the given type and phase ID
func NewEvent(eventType EventType, phaseID string) Event {
	return Event{
		Type:  eventType,
		Phase: phaseID,
	}
}

// WithFeature returns a copy of the event with the feature ID set
func (e Event) WithFeature(featureID int64) Event {
	e.Feature = featureID
	return e
}

// WithStatus returns a copy of the event with the status set
func (e Event) WithStatus(status string) Event {
	e.Status = status
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed")
}

// IsTerminal returns true if the event records a terminal phase transition
func (e Event) IsTerminal() bool {
	return e.Type == PhaseCompleted || e.Type == PhaseFailed || e.Type == PhaseBlocked
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Phase != "" {
		parts = append(parts, e.Phase)
	}
	if e.Feature != 0 {
		parts = append(parts, fmt.Sprintf("feature=%d", e.Feature))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}

	return strings.Join(parts, " ")
}
