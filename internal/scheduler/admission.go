package scheduler

import (
	"log"
	"sync"

	"github.com/steelthread/foreman/internal/metrics"
	"github.com/steelthread/foreman/internal/store"
)

// Launcher hands an admitted phase to an external worker. Launch must
// return promptly; slow ticket and spawn I/O happens off the admission
// goroutine.
type Launcher interface {
	Launch(phase *store.PhaseRecord)
}

// Admission enforces the global cap on concurrently running phases.
// One admission loop runs at a time, serialized by a mutex; TryClaim
// remains the safety net should a second coordinator ever run.
type Admission struct {
	store    *store.Store
	launcher Launcher

	mu sync.Mutex
}

// NewAdmission creates an admission controller.
func NewAdmission(s *store.Store, launcher Launcher) *Admission {
	return &Admission{store: s, launcher: launcher}
}

// Kick runs the admission loop until the cap is reached or no phase is
// ready. Invoked on insert, readiness, completion, startup, and
// unpause. Safe to call from any goroutine.
func (a *Admission) Kick() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		cfg, err := a.store.LoadCoordinatorConfig()
		if err != nil {
			log.Printf("admission: failed to load config: %v", err)
			return
		}
		if cfg.Paused {
			return
		}

		running, err := a.store.CountRunning()
		if err != nil {
			log.Printf("admission: failed to count running: %v", err)
			return
		}
		if running >= cfg.MaxConcurrent {
			return
		}

		next, err := a.store.FindNextReady()
		if err != nil {
			log.Printf("admission: selector failed: %v", err)
			return
		}
		if next == nil {
			return
		}

		claimed, err := a.store.TryClaim(next.PhaseID)
		if err != nil {
			log.Printf("admission: claim failed for %s: %v", next.PhaseID, err)
			return
		}
		if !claimed {
			// Racing peer won; re-select
			continue
		}

		metrics.Admissions.Inc()
		a.launcher.Launch(next)
	}
}
