// Package launcher turns an admitted phase into a running worker: it
// creates the phase's ticket, records the launch refs, and spawns a
// detached worker process that will report back over the completion
// webhook.
package launcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/metrics"
	"github.com/steelthread/foreman/internal/store"
	"github.com/steelthread/foreman/internal/ticket"
)

// Config carries the launch-time settings handed to every worker.
type Config struct {
	// CallbackURL is the coordinator's completion webhook address.
	CallbackURL string

	// WebhookSecret signs completion reports. Passed to workers so they
	// can authenticate their callbacks.
	WebhookSecret string

	// WorkerCommand is the argv of the worker binary. The phase ID is
	// appended as the final argument.
	WorkerCommand []string

	// LogDir receives one stdout/stderr log file per worker.
	LogDir string

	// TicketTimeout bounds the ticket-creation call for one launch.
	TicketTimeout time.Duration
}

// Launcher runs the launch pipeline for claimed phases. Launches are
// asynchronous: Launch returns immediately and the pipeline runs on
// its own goroutine so admission never blocks on the ticket service.
type Launcher struct {
	store  *store.Store
	poster ticket.Poster
	spawn  Spawner
	bus    *events.Bus
	cfg    Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a launcher. maxInFlight bounds concurrent launch
// pipelines, not running workers; the admission cap governs those.
func New(s *store.Store, poster ticket.Poster, spawn Spawner, bus *events.Bus, cfg Config, maxInFlight int) *Launcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if cfg.TicketTimeout <= 0 {
		cfg.TicketTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		store:  s,
		poster: poster,
		spawn:  spawn,
		bus:    bus,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Launch starts the launch pipeline for a phase already claimed as
// running. Any pipeline failure marks the phase failed so the slot is
// released and dependents get blocked by the resolver.
func (l *Launcher) Launch(phase *store.PhaseRecord) {
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		// Shutting down; the orphan sweep reclaims the stranded claim
		log.Printf("launcher: not launching %s: %v", phase.PhaseID, err)
		return
	}
	l.wg.Add(1)

	go func() {
		defer func() {
			l.sem.Release(1)
			l.wg.Done()
		}()
		l.run(phase)
	}()
}

func (l *Launcher) run(phase *store.PhaseRecord) {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.TicketTimeout)
	defer cancel()

	total, err := l.store.CountPhases(phase.FeatureID)
	if err != nil {
		l.fail(phase, fmt.Sprintf("launch: count phases: %v", err))
		return
	}

	ticketRef, err := l.poster.CreateTicket(ctx, ticket.Request{
		PhaseID:     phase.PhaseID,
		FeatureID:   phase.FeatureID,
		PhaseNumber: phase.PhaseNumber,
		TotalPhases: total,
		Title:       phase.Title,
		Body:        phase.Prompt,
		Priority:    phase.Priority,
	})
	if err != nil {
		metrics.TicketFailures.Inc()
		l.emit(events.NewEvent(events.TicketFailed, phase.PhaseID).WithError(err))
		l.fail(phase, fmt.Sprintf("ticket creation failed: %v", err))
		return
	}
	l.emit(events.NewEvent(events.TicketCreated, phase.PhaseID))

	workerRef := uuid.NewString()
	ok, err := l.store.SetLaunchRefs(phase.PhaseID, ticketRef, workerRef)
	if err != nil {
		l.fail(phase, fmt.Sprintf("record launch refs: %v", err))
		return
	}
	if !ok {
		// Phase left running between claim and launch (operator
		// intervention or crash recovery). Nothing to spawn.
		log.Printf("launcher: phase %s no longer running, skipping spawn", phase.PhaseID)
		return
	}

	if err := l.spawn.Spawn(phase, ticketRef, workerRef, l.cfg); err != nil {
		metrics.WorkerSpawnErrors.Inc()
		l.emit(events.NewEvent(events.WorkerSpawnError, phase.PhaseID).WithError(err))
		l.fail(phase, fmt.Sprintf("worker spawn failed: %v", err))
		return
	}

	metrics.WorkerSpawns.Inc()
	l.emit(events.NewEvent(events.WorkerSpawned, phase.PhaseID))
}

// fail marks a phase failed after a launch error. Best effort: if the
// phase already left running the transition is refused and logged.
func (l *Launcher) fail(phase *store.PhaseRecord, reason string) {
	log.Printf("launcher: phase %s: %s", phase.PhaseID, reason)
	ok, err := l.store.MarkTerminal(phase.PhaseID, store.PhaseFailed, reason)
	if err != nil {
		log.Printf("launcher: failed to mark %s failed: %v", phase.PhaseID, err)
		return
	}
	if !ok {
		log.Printf("launcher: phase %s not running, launch failure not recorded", phase.PhaseID)
	}
}

func (l *Launcher) emit(e events.Event) {
	if l.bus != nil {
		l.bus.Emit(e)
	}
}

// Shutdown stops accepting work and waits for in-flight launch
// pipelines. Already-spawned workers are detached and unaffected.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.cancel()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("launcher shutdown timeout: %w", ctx.Err())
	}
}
