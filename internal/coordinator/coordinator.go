// Package coordinator owns the scheduler lifecycle: single-instance
// locking, startup reconciliation, the event subscription that drives
// dependency resolution, and the periodic sweeps.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/metrics"
	"github.com/steelthread/foreman/internal/scheduler"
	"github.com/steelthread/foreman/internal/store"
)

// ErrAlreadyRunning means another coordinator holds the lock file.
var ErrAlreadyRunning = errors.New("coordinator already running")

// ErrLostLeadership means the lock file no longer named this process
// at shutdown, so another instance may have run concurrently.
var ErrLostLeadership = errors.New("coordinator lost single-instance lock")

// Config holds coordinator runtime settings.
type Config struct {
	// LockPath is the single-instance lock file.
	LockPath string

	// OrphanTimeout is how long a phase may sit in running without a
	// completion report before a sweep presumes its worker dead.
	OrphanTimeout time.Duration

	// SweepInterval is the period of the maintenance ticker.
	SweepInterval time.Duration

	// DedupRetention is how long consumed completion event IDs are kept.
	DedupRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.OrphanTimeout <= 0 {
		c.OrphanTimeout = 2 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = 24 * time.Hour
	}
}

// Shutdowner is anything with launch pipelines to drain at stop.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Coordinator ties the store, bus, resolver and admission together and
// runs them until the context is cancelled.
type Coordinator struct {
	store     *store.Store
	bus       *events.Bus
	admission *scheduler.Admission
	resolver  *scheduler.Resolver
	launcher  Shutdowner
	lock      *lockFile
	cfg       Config
}

// New creates a coordinator. The launcher is optional; pass nil when
// there is nothing to drain at shutdown.
func New(s *store.Store, bus *events.Bus, adm *scheduler.Admission, launcher Shutdowner, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		store:     s,
		bus:       bus,
		admission: adm,
		resolver:  scheduler.NewResolver(s, adm),
		launcher:  launcher,
		lock:      newLockFile(cfg.LockPath),
		cfg:       cfg,
	}
}

// Run acquires the lock, reconciles persisted state, then serves the
// event loop until ctx is cancelled. Returns ErrAlreadyRunning if
// another instance holds the lock and ErrLostLeadership if the lock
// was stolen while running.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.lock.acquire(); err != nil {
		return err
	}

	c.bus.Subscribe(c.resolver.Handle)
	c.bus.Emit(events.NewEvent(events.CoordStarted, ""))

	if err := c.reconcile(); err != nil {
		_ = c.lock.release()
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	c.bus.Emit(events.NewEvent(events.CoordReconciled, ""))

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return c.shutdown()
		}
	}
}

// reconcile restores scheduler invariants from persisted state after a
// restart: presumed-dead workers are failed, then admission refills
// every open slot.
func (c *Coordinator) reconcile() error {
	reaped, err := c.reapOrphans()
	if err != nil {
		return err
	}
	if reaped > 0 {
		log.Printf("coordinator: reconciliation failed %d orphaned phases", reaped)
	}

	c.refreshGauges()
	c.admission.Kick()
	return nil
}

// reapOrphans fails running phases older than the orphan timeout.
// Dependents get blocked by the resolver reacting to each failure.
func (c *Coordinator) reapOrphans() (int, error) {
	cutoff := time.Now().Add(-c.cfg.OrphanTimeout)
	orphans, err := c.store.ListRunningOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list orphan candidates: %w", err)
	}

	reaped := 0
	for _, p := range orphans {
		msg := fmt.Sprintf("orphaned: no completion report within %s", c.cfg.OrphanTimeout)
		ok, err := c.store.MarkTerminal(p.PhaseID, store.PhaseFailed, msg)
		if err != nil {
			log.Printf("coordinator: failed to reap orphan %s: %v", p.PhaseID, err)
			continue
		}
		if ok {
			reaped++
			metrics.OrphansReaped.Inc()
		}
	}
	return reaped, nil
}

// sweep is the periodic maintenance pass.
func (c *Coordinator) sweep() {
	if _, err := c.reapOrphans(); err != nil {
		log.Printf("coordinator: orphan sweep: %v", err)
	}

	removed, err := c.store.SweepCompletionEvents(time.Now().Add(-c.cfg.DedupRetention))
	if err != nil {
		log.Printf("coordinator: dedup sweep: %v", err)
	} else if removed > 0 {
		log.Printf("coordinator: swept %d expired completion events", removed)
	}

	c.refreshGauges()

	// Belt and braces: a missed notification must not wedge the queue
	c.admission.Kick()
}

func (c *Coordinator) refreshGauges() {
	counts, err := c.store.CountByStatus()
	if err != nil {
		log.Printf("coordinator: count by status: %v", err)
		return
	}
	for _, st := range store.AllPhaseStatuses {
		metrics.PhasesByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Pause stops new admissions. Running phases are unaffected.
func (c *Coordinator) Pause() error {
	if err := c.store.SetPaused(true); err != nil {
		return err
	}
	c.bus.Emit(events.NewEvent(events.CoordPaused, ""))
	return nil
}

// Resume re-enables admissions and immediately refills open slots.
func (c *Coordinator) Resume() error {
	if err := c.store.SetPaused(false); err != nil {
		return err
	}
	c.bus.Emit(events.NewEvent(events.CoordResumed, ""))
	c.admission.Kick()
	return nil
}

func (c *Coordinator) shutdown() error {
	c.bus.Emit(events.NewEvent(events.CoordStopping, ""))

	if c.launcher != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.launcher.Shutdown(drainCtx); err != nil {
			log.Printf("coordinator: %v", err)
		}
	}

	if !c.lock.held() {
		return ErrLostLeadership
	}
	if err := c.lock.release(); err != nil {
		log.Printf("coordinator: failed to release lock: %v", err)
	}
	return nil
}
