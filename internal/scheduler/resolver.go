package scheduler

import (
	"log"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/store"
)

// Resolver reacts to terminal phase transitions: completions unlock
// queued dependents, failures block everything downstream. It is
// driven by change notifications, never by polling.
type Resolver struct {
	store     *store.Store
	admission *Admission
}

// NewResolver creates a dependency resolver.
func NewResolver(s *store.Store, admission *Admission) *Resolver {
	return &Resolver{store: s, admission: admission}
}

// Handle is the bus subscription entry point. It runs on the bus
// dispatch goroutine; store calls here are short and DB-local.
func (r *Resolver) Handle(e events.Event) {
	switch e.Type {
	case events.PhaseCompleted:
		r.onCompleted(e.Phase)
	case events.PhaseFailed:
		r.onFailed(e.Phase)
	case events.PhaseReady:
		// Readiness may open an admission slot
		r.admission.Kick()
	}
}

// onCompleted marks newly-unlocked siblings ready, then considers
// admission. A phase unlocked by two parents completing nearly
// simultaneously is marked ready exactly once because MarkReady is a
// conditional transition.
func (r *Resolver) onCompleted(phaseID string) {
	phase, err := r.store.Get(phaseID)
	if err != nil {
		log.Printf("resolver: failed to load completed phase %s: %v", phaseID, err)
		return
	}
	if phase == nil {
		return
	}

	newly, err := r.store.FindNewlyReady(phase.FeatureID, phase.PhaseNumber)
	if err != nil {
		log.Printf("resolver: failed to find newly ready for %s: %v", phaseID, err)
		return
	}

	for _, p := range newly {
		if _, err := r.store.MarkReady(p.PhaseID); err != nil {
			log.Printf("resolver: failed to mark %s ready: %v", p.PhaseID, err)
		}
	}

	r.admission.Kick()
}

// onFailed blocks every transitive dependent of the failed phase in a
// single transaction. The failure itself already rolled up to the
// feature inside MarkTerminal.
func (r *Resolver) onFailed(phaseID string) {
	phase, err := r.store.Get(phaseID)
	if err != nil {
		log.Printf("resolver: failed to load failed phase %s: %v", phaseID, err)
		return
	}
	if phase == nil {
		return
	}

	siblings, err := r.store.ListByFeature(phase.FeatureID)
	if err != nil {
		log.Printf("resolver: failed to list feature %d: %v", phase.FeatureID, err)
		return
	}

	dependents := TransitiveDependents(siblings, phase.PhaseNumber)
	if len(dependents) > 0 {
		blocked, err := r.store.MarkBlocked(dependents, phaseID)
		if err != nil {
			log.Printf("resolver: failed to block dependents of %s: %v", phaseID, err)
			return
		}
		if len(blocked) > 0 {
			log.Printf("resolver: blocked %d dependents of failed phase %s", len(blocked), phaseID)
		}
	}

	// A failure frees a concurrency slot
	r.admission.Kick()
}
