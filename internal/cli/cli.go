// Package cli wires the foreman commands: the serve daemon plus the
// client commands that talk to a running coordinator over HTTP.
package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/steelthread/foreman/internal/coordinator"
	"github.com/steelthread/foreman/internal/store"
)

// Exit codes for the serve command.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitStoreUnavailable = 2
	ExitLostLeadership   = 3
)

// App represents the CLI application with all wired dependencies
type App struct {
	rootCmd *cobra.Command

	// Persistent flags
	configPath string
	addr       string
	adminToken string

	// Version information
	version string
	commit  string
	date    string
}

// New creates a new CLI application
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, store.ErrUnavailable):
		return ExitStoreUnavailable
	case errors.Is(err, coordinator.ErrLostLeadership):
		return ExitLostLeadership
	default:
		return ExitError
	}
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "foreman",
		Short: "Durable phase scheduler for multi-phase development workflows",
		Long: `Foreman schedules the phases of multi-phase features: it resolves
dependencies, admits ready phases under a concurrency cap, launches
detached workers, and applies their completion reports exactly once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Config file path (default ~/.foreman/config.yaml)")
	a.rootCmd.PersistentFlags().StringVar(&a.addr, "addr", "http://127.0.0.1:8484",
		"Coordinator API address for client commands")
	a.rootCmd.PersistentFlags().StringVar(&a.adminToken, "token", "",
		"Admin bearer token for client commands")

	a.rootCmd.AddCommand(
		NewServeCmd(a),
		NewSubmitCmd(a),
		NewStatusCmd(a),
		NewWatchCmd(a),
		NewPauseCmd(a),
		NewResumeCmd(a),
		NewConfigCmd(a),
		NewUnblockCmd(a),
		NewVersionCmd(a),
	)
}
