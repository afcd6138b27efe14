package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/steelthread/foreman/internal/store"
)

// Spawner starts the worker process for a launched phase.
type Spawner interface {
	Spawn(phase *store.PhaseRecord, ticketRef, workerRef string, cfg Config) error
}

// ExecSpawner starts workers as detached OS processes. Workers outlive
// the coordinator: they run in their own session and report completion
// over the webhook, so a coordinator restart never kills them.
type ExecSpawner struct{}

// Spawn starts the worker command with the phase ID appended and the
// callback settings in its environment. Stdout and stderr go to a
// per-phase log file.
func (ExecSpawner) Spawn(phase *store.PhaseRecord, ticketRef, workerRef string, cfg Config) error {
	if len(cfg.WorkerCommand) == 0 {
		return fmt.Errorf("no worker command configured")
	}

	args := append(append([]string(nil), cfg.WorkerCommand[1:]...), phase.PhaseID)
	cmd := exec.Command(cfg.WorkerCommand[0], args...)

	cmd.Env = append(os.Environ(),
		"FOREMAN_PHASE_ID="+phase.PhaseID,
		"FOREMAN_WORKER_REF="+workerRef,
		"FOREMAN_TICKET_REF="+ticketRef,
		"FOREMAN_CALLBACK_URL="+cfg.CallbackURL,
		"FOREMAN_WEBHOOK_SECRET="+cfg.WebhookSecret,
	)

	// New session: the worker survives coordinator restarts and never
	// receives our terminal signals
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		logPath := filepath.Join(cfg.LogDir, phase.PhaseID+".log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open worker log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// Reap the child when it exits so detached workers never zombie.
	// The exit status is irrelevant here - completion arrives over the
	// webhook, not the process table.
	go func() { _ = cmd.Wait() }()

	return nil
}
