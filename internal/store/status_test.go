package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]PhaseStatus]bool{
		{PhaseQueued, PhaseReady}:      true,
		{PhaseQueued, PhaseBlocked}:    true,
		{PhaseReady, PhaseRunning}:     true,
		{PhaseReady, PhaseBlocked}:     true,
		{PhaseRunning, PhaseCompleted}: true,
		{PhaseRunning, PhaseFailed}:    true,
		{PhaseBlocked, PhaseQueued}:    true,
	}

	for _, from := range AllPhaseStatuses {
		for _, to := range AllPhaseStatuses {
			want := allowed[[2]PhaseStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, CanTransition("bogus", PhaseReady))
	assert.False(t, CanTransition(PhaseReady, "bogus"))
}

func TestValidTransitions_TerminalStatesAreDeadEnds(t *testing.T) {
	for _, s := range AllPhaseStatuses {
		if s.IsTerminal() {
			assert.Empty(t, ValidTransitions[s], "%s must have no successors", s)
		} else {
			assert.NotEmpty(t, ValidTransitions[s], "%s must have successors", s)
		}
	}
}

func TestPhaseStatus_IsActive(t *testing.T) {
	for _, s := range AllPhaseStatuses {
		assert.Equal(t, s == PhaseRunning, s.IsActive(), "%s", s)
	}
}

func TestFeatureStatus_IsTerminal(t *testing.T) {
	assert.True(t, FeatureCompleted.IsTerminal())
	assert.True(t, FeatureFailed.IsTerminal())
	assert.True(t, FeatureCancelled.IsTerminal())
	assert.False(t, FeaturePlanning.IsTerminal())
	assert.False(t, FeatureInProgress.IsTerminal())
}
