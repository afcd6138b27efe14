package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func submitChain(t *testing.T, s *Store, priority int) (int64, []string) {
	t.Helper()
	featureID, ids, err := s.SubmitFeature("chain", "three sequential phases", priority, []NewPhase{
		{PhaseNumber: 1, Title: "plan"},
		{PhaseNumber: 2, Title: "build", DependsOn: []int{1}},
		{PhaseNumber: 3, Title: "test", DependsOn: []int{2}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	return featureID, ids
}

func TestOpen_AppliesDefaults(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.LoadCoordinatorConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Paused)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 30, cfg.DedupWindowSeconds)
}

func TestSubmitFeature_BornReadyOrQueued(t *testing.T) {
	s := newTestStore(t)
	featureID, ids := submitChain(t, s, 0)

	p1, err := s.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, p1.Status)
	assert.NotNil(t, p1.ReadyAt)
	assert.Equal(t, DefaultPriority, p1.Priority)

	p2, err := s.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, p2.Status)
	assert.Nil(t, p2.ReadyAt)

	f, err := s.GetFeature(featureID)
	require.NoError(t, err)
	assert.Equal(t, FeaturePlanning, f.Status)
	assert.Equal(t, 3, f.TotalPhases)

	phases, err := s.ListByFeature(featureID)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, []int{1}, phases[1].DependsOn)
}

func TestSubmitFeature_QueuePositionsMonotonic(t *testing.T) {
	s := newTestStore(t)
	fa, _ := submitChain(t, s, 0)
	fb, _ := submitChain(t, s, 0)

	a, err := s.ListByFeature(fa)
	require.NoError(t, err)
	b, err := s.ListByFeature(fb)
	require.NoError(t, err)

	var last int64
	for _, p := range append(a, b...) {
		assert.Greater(t, p.QueuePosition, last, "queue positions must be strictly increasing")
		last = p.QueuePosition
	}
}

func TestTryClaim_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryClaim(ids[0])
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claim must win")

	p, err := s.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, p.Status)
	assert.NotNil(t, p.StartedAt)
}

func TestTryClaim_RejectsNonReady(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	// Phase 2 is queued, not ready
	ok, err := s.TryClaim(ids[1])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryClaim_MovesFeatureInProgress(t *testing.T) {
	s := newTestStore(t)
	featureID, ids := submitChain(t, s, 0)

	ok, err := s.TryClaim(ids[0])
	require.NoError(t, err)
	require.True(t, ok)

	f, err := s.GetFeature(featureID)
	require.NoError(t, err)
	assert.Equal(t, FeatureInProgress, f.Status)
}

func TestSetLaunchRefs_RequiresRunning(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	ok, err := s.SetLaunchRefs(ids[0], "T-1", "w-1")
	require.NoError(t, err)
	assert.False(t, ok, "refs must not attach to a non-running phase")

	_, err = s.TryClaim(ids[0])
	require.NoError(t, err)

	ok, err = s.SetLaunchRefs(ids[0], "T-1", "w-1")
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := s.Get(ids[0])
	require.NoError(t, err)
	require.NotNil(t, p.TicketRef)
	assert.Equal(t, "T-1", *p.TicketRef)
	require.NotNil(t, p.WorkerRef)
	assert.Equal(t, "w-1", *p.WorkerRef)
}

func TestMarkTerminal_CompletesAndRollsUp(t *testing.T) {
	s := newTestStore(t)
	featureID, ids, err := s.SubmitFeature("solo", "", 0, []NewPhase{
		{PhaseNumber: 1, Title: "only"},
	})
	require.NoError(t, err)

	_, err = s.TryClaim(ids[0])
	require.NoError(t, err)

	ok, err := s.MarkTerminal(ids[0], PhaseCompleted, "")
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := s.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, p.Status)
	assert.NotNil(t, p.CompletedAt)

	f, err := s.GetFeature(featureID)
	require.NoError(t, err)
	assert.Equal(t, FeatureCompleted, f.Status)
}

func TestMarkTerminal_RejectsNonRunning(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	ok, err := s.MarkTerminal(ids[0], PhaseCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok, "ready phase cannot go terminal")

	// Second terminal on a completed phase is also rejected
	_, err = s.TryClaim(ids[0])
	require.NoError(t, err)
	ok, err = s.MarkTerminal(ids[0], PhaseCompleted, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkTerminal(ids[0], PhaseFailed, "late signal")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkTerminal_FailureRollsUpFeature(t *testing.T) {
	s := newTestStore(t)
	featureID, ids := submitChain(t, s, 0)

	_, err := s.TryClaim(ids[0])
	require.NoError(t, err)
	ok, err := s.MarkTerminal(ids[0], PhaseFailed, "compile error")
	require.NoError(t, err)
	require.True(t, ok)

	p, err := s.Get(ids[0])
	require.NoError(t, err)
	require.NotNil(t, p.ErrorMessage)
	assert.Equal(t, "compile error", *p.ErrorMessage)

	f, err := s.GetFeature(featureID)
	require.NoError(t, err)
	assert.Equal(t, FeatureFailed, f.Status)
}

func TestMarkReady_IdempotentTransition(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	ok, err := s.MarkReady(ids[1])
	require.NoError(t, err)
	assert.True(t, ok)

	// Second call finds the phase already ready
	ok, err = s.MarkReady(ids[1])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindNextReady_TotalOrder(t *testing.T) {
	s := newTestStore(t)

	// Older feature at default priority
	_, idsA, err := s.SubmitFeature("feature-a", "", 50, []NewPhase{{PhaseNumber: 1, Title: "a1"}})
	require.NoError(t, err)
	// Newer feature, more urgent
	_, idsB, err := s.SubmitFeature("feature-b", "", 10, []NewPhase{{PhaseNumber: 1, Title: "b1"}})
	require.NoError(t, err)

	next, err := s.FindNextReady()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, idsB[0], next.PhaseID, "lower priority number wins despite later submission")

	// Deterministic across repeated reads
	again, err := s.FindNextReady()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, next.PhaseID, again.PhaseID)

	// Claim the urgent one; FIFO falls back to the older feature
	_, err = s.TryClaim(idsB[0])
	require.NoError(t, err)
	next, err = s.FindNextReady()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, idsA[0], next.PhaseID)
}

func TestFindNextReady_EmptyQueue(t *testing.T) {
	s := newTestStore(t)
	next, err := s.FindNextReady()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFindNewlyReady_Diamond(t *testing.T) {
	s := newTestStore(t)
	featureID, ids, err := s.SubmitFeature("diamond", "", 0, []NewPhase{
		{PhaseNumber: 1, Title: "root"},
		{PhaseNumber: 2, Title: "left", DependsOn: []int{1}},
		{PhaseNumber: 3, Title: "right", DependsOn: []int{1}},
		{PhaseNumber: 4, Title: "join", DependsOn: []int{2, 3}},
	})
	require.NoError(t, err)

	complete := func(id string) {
		t.Helper()
		ok, err := s.TryClaim(id)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.MarkTerminal(id, PhaseCompleted, "")
		require.NoError(t, err)
		require.True(t, ok)
	}

	complete(ids[0])
	newly, err := s.FindNewlyReady(featureID, 1)
	require.NoError(t, err)
	require.Len(t, newly, 2, "both branches unlock after the root")

	for _, p := range newly {
		_, err := s.MarkReady(p.PhaseID)
		require.NoError(t, err)
	}

	// Only one branch done: join stays queued
	complete(ids[1])
	newly, err = s.FindNewlyReady(featureID, 2)
	require.NoError(t, err)
	assert.Empty(t, newly)

	complete(ids[2])
	newly, err = s.FindNewlyReady(featureID, 3)
	require.NoError(t, err)
	require.Len(t, newly, 1)
	assert.Equal(t, ids[3], newly[0].PhaseID)
}

func TestMarkBlocked_SkipsRunningAndTerminal(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	_, err := s.TryClaim(ids[0])
	require.NoError(t, err)

	blocked, err := s.MarkBlocked(ids, "phase-1")
	require.NoError(t, err)
	assert.Len(t, blocked, 2, "running phase is not blockable")

	p1, err := s.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, p1.Status)

	p2, err := s.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, PhaseBlocked, p2.Status)
}

func TestUnblock_ReturnsToQueued(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	_, err := s.MarkBlocked([]string{ids[1]}, "phase-1")
	require.NoError(t, err)

	ok, err := s.Unblock(ids[1])
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := s.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, p.Status)
	assert.Nil(t, p.ErrorMessage)
}

func TestListRunningOlderThan(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	_, err := s.TryClaim(ids[0])
	require.NoError(t, err)

	orphans, err := s.ListRunningOlderThan(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, orphans)

	orphans, err = s.ListRunningOlderThan(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, ids[0], orphans[0].PhaseID)
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(t)
	_, ids := submitChain(t, s, 0)

	_, err := s.TryClaim(ids[0])
	require.NoError(t, err)

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[PhaseRunning])
	assert.Equal(t, 2, counts[PhaseQueued])

	running, err := s.CountRunning()
	require.NoError(t, err)
	assert.Equal(t, 1, running)
}
