package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/scheduler"
	"github.com/steelthread/foreman/internal/store"
)

type nopLauncher struct{}

func (nopLauncher) Launch(*store.PhaseRecord) {}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCoordinator(t *testing.T, s *store.Store, cfg Config) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(100)
	t.Cleanup(func() { _ = bus.Close() })
	s.SetBus(bus)
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(t.TempDir(), "foreman.lock")
	}
	adm := scheduler.NewAdmission(s, nopLauncher{})
	return New(s, bus, adm, nil, cfg), bus
}

func TestLockFile_SingleInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")

	first := newLockFile(path)
	if err := first.acquire(); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	if !first.held() {
		t.Error("held() = false after acquire")
	}

	second := newLockFile(path)
	err := second.acquire()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second acquire error = %v, want ErrAlreadyRunning", err)
	}

	if err := first.release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if err := second.acquire(); err != nil {
		t.Errorf("acquire() after release error = %v", err)
	}
}

func TestLockFile_ReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")
	// A pid far above any real pid table
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newLockFile(path)
	if err := l.acquire(); err != nil {
		t.Fatalf("acquire() over stale lock error = %v", err)
	}
	if !l.held() {
		t.Error("held() = false after reclaiming stale lock")
	}
}

func TestLockFile_ReleaseSkipsStolenLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")
	l := newLockFile(path)
	if err := l.acquire(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if l.held() {
		t.Error("held() = true after lock was overwritten")
	}
	if err := l.release(); err != nil {
		t.Errorf("release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("release removed a lock it no longer owned")
	}
}

func TestCoordinator_ReapsOrphans(t *testing.T) {
	s := newTestStore(t)
	c, _ := newTestCoordinator(t, s, Config{OrphanTimeout: 10 * time.Millisecond})

	_, ids, err := s.SubmitFeature("f", "", 50, []store.NewPhase{
		{PhaseNumber: 1, Title: "stuck"},
		{PhaseNumber: 2, Title: "dependent", DependsOn: []int{1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.TryClaim(ids[0]); err != nil || !ok {
		t.Fatalf("TryClaim: ok=%v err=%v", ok, err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := c.reapOrphans(); err != nil {
		t.Fatalf("reapOrphans() error = %v", err)
	}

	p, err := s.Get(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != store.PhaseFailed {
		t.Errorf("orphan status = %s, want failed", p.Status)
	}
	if p.ErrorMessage == nil {
		t.Error("orphan has no error message")
	}
}

func TestCoordinator_ReapSkipsFreshPhases(t *testing.T) {
	s := newTestStore(t)
	c, _ := newTestCoordinator(t, s, Config{OrphanTimeout: time.Hour})

	_, ids, err := s.SubmitFeature("f", "", 50, []store.NewPhase{{PhaseNumber: 1, Title: "p"}})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.TryClaim(ids[0]); err != nil || !ok {
		t.Fatalf("TryClaim: ok=%v err=%v", ok, err)
	}

	reaped, err := c.reapOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if reaped != 0 {
		t.Errorf("reaped %d fresh phases, want 0", reaped)
	}
}

func TestCoordinator_RunRefusesSecondInstance(t *testing.T) {
	s := newTestStore(t)
	lockPath := filepath.Join(t.TempDir(), "foreman.lock")

	other := newLockFile(lockPath)
	if err := other.acquire(); err != nil {
		t.Fatal(err)
	}
	defer other.release()

	c, _ := newTestCoordinator(t, s, Config{LockPath: lockPath})
	err := c.Run(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestCoordinator_RunReconcilesAndStops(t *testing.T) {
	s := newTestStore(t)
	lockPath := filepath.Join(t.TempDir(), "foreman.lock")
	c, _ := newTestCoordinator(t, s, Config{
		LockPath:      lockPath,
		SweepInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file not released after shutdown")
	}
}

func TestCoordinator_LostLeadership(t *testing.T) {
	s := newTestStore(t)
	lockPath := filepath.Join(t.TempDir(), "foreman.lock")
	c, _ := newTestCoordinator(t, s, Config{LockPath: lockPath})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(lockPath, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLostLeadership) {
			t.Errorf("Run() error = %v, want ErrLostLeadership", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestCoordinator_PauseResume(t *testing.T) {
	s := newTestStore(t)
	c, _ := newTestCoordinator(t, s, Config{})

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	cfg, err := s.LoadCoordinatorConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Paused {
		t.Error("store not paused after Pause()")
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	cfg, err = s.LoadCoordinatorConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paused {
		t.Error("store still paused after Resume()")
	}
}
