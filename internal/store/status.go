package store

// PhaseStatus represents the phase's lifecycle state
type PhaseStatus string

const (
	PhaseQueued    PhaseStatus = "queued"
	PhaseReady     PhaseStatus = "ready"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseBlocked   PhaseStatus = "blocked"
)

// AllPhaseStatuses lists every phase status, in lifecycle order.
var AllPhaseStatuses = []PhaseStatus{
	PhaseQueued, PhaseReady, PhaseRunning,
	PhaseCompleted, PhaseFailed, PhaseBlocked,
}

// ValidTransitions defines allowed phase state transitions.
// blocked -> queued exists only for operator intervention after a
// predecessor failure has been cleared.
var ValidTransitions = map[PhaseStatus][]PhaseStatus{
	PhaseQueued:    {PhaseReady, PhaseBlocked},
	PhaseReady:     {PhaseRunning, PhaseBlocked},
	PhaseRunning:   {PhaseCompleted, PhaseFailed},
	PhaseCompleted: {},
	PhaseFailed:    {},
	PhaseBlocked:   {PhaseQueued},
}

// IsTerminal returns true if the status is a final state
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed
}

// IsActive returns true if the phase is consuming a concurrency slot
func (s PhaseStatus) IsActive() bool {
	return s == PhaseRunning
}

// CanTransition checks if a transition from -> to is valid
func CanTransition(from, to PhaseStatus) bool {
	validTargets, exists := ValidTransitions[from]
	if !exists {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// FeatureStatus represents the feature's rollup state
type FeatureStatus string

const (
	FeaturePlanning   FeatureStatus = "planning"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureCompleted  FeatureStatus = "completed"
	FeatureFailed     FeatureStatus = "failed"
	FeatureCancelled  FeatureStatus = "cancelled"
)

// IsTerminal returns true if the feature has reached a final state
func (s FeatureStatus) IsTerminal() bool {
	return s == FeatureCompleted || s == FeatureFailed || s == FeatureCancelled
}
