package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steelthread/foreman/internal/config"
	"github.com/steelthread/foreman/internal/coordinator"
	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/launcher"
	"github.com/steelthread/foreman/internal/scheduler"
	"github.com/steelthread/foreman/internal/store"
	"github.com/steelthread/foreman/internal/ticket"
	"github.com/steelthread/foreman/internal/web"
)

// NewServeCmd creates the serve command
func NewServeCmd(app *App) *cobra.Command {
	var forceJSON bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Start the coordinator: acquire the single-instance lock, reconcile
persisted state, serve the HTTP API, and schedule phases until
interrupted.

Exit codes: 0 clean shutdown, 1 configuration or runtime error,
2 database unavailable at startup, 3 the instance lock was lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServe(forceJSON)
		},
	}

	cmd.Flags().BoolVar(&forceJSON, "json", false, "Emit events as JSON lines on stdout")
	return cmd
}

func (a *App) runServe(forceJSON bool) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	bus := events.NewBus(256)
	defer bus.Close()
	s.SetBus(bus)

	if events.IsJSONMode(forceJSON) {
		bus.Subscribe(events.JSONEmitterHandler(events.NewJSONEmitter(os.Stdout)))
	} else {
		bus.Subscribe(events.LogHandler(events.LogConfig{}))
	}

	// Configured values are applied at boot; admin changes hold until
	// the next restart
	if err := s.SetMaxConcurrent(cfg.Scheduler.MaxConcurrent); err != nil {
		return err
	}
	if err := s.SetDedupWindow(cfg.Scheduler.DedupWindowSeconds); err != nil {
		return err
	}

	poster := ticket.FromConfig(cfg.Ticket.ServiceURL, cfg.Ticket.Token)
	launch := launcher.New(s, poster, launcher.ExecSpawner{}, bus, launcher.Config{
		CallbackURL:   callbackURL(cfg),
		WebhookSecret: cfg.WebhookSecret,
		WorkerCommand: cfg.Worker.Command,
		LogDir:        cfg.Worker.LogDir,
	}, cfg.Worker.MaxLaunchesInFlight)

	adm := scheduler.NewAdmission(s, launch)

	orphanTimeout, _ := cfg.OrphanTimeoutDuration()
	sweepInterval, _ := cfg.SweepIntervalDuration()
	dedupRetention, _ := cfg.DedupRetentionDuration()
	coord := coordinator.New(s, bus, adm, launch, coordinator.Config{
		LockPath:       cfg.LockPath,
		OrphanTimeout:  orphanTimeout,
		SweepInterval:  sweepInterval,
		DedupRetention: dedupRetention,
	})

	srv := web.New(web.Config{
		Addr:          cfg.ListenAddr,
		WebhookSecret: cfg.WebhookSecret,
		AdminToken:    cfg.AdminToken,
	}, s, bus, adm, coord)
	if err := srv.Start(); err != nil {
		return err
	}
	log.Printf("foreman listening on %s (pid %d)", srv.Addr(), os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := coord.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Printf("web shutdown: %v", err)
	}

	return runErr
}

// callbackURL derives the completion webhook address workers use.
func callbackURL(cfg *config.Config) string {
	if cfg.Worker.CallbackURL != "" {
		return cfg.Worker.CallbackURL
	}
	addr := cfg.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/phase-complete"
}
