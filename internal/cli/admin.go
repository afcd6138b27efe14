package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steelthread/foreman/internal/web"
)

// NewPauseCmd creates the pause command
func NewPauseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop admitting new phases (running phases continue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.client().do("POST", "/admin/pause", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduler paused")
			return nil
		},
	}
}

// NewResumeCmd creates the resume command
func NewResumeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume admitting phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.client().do("POST", "/admin/resume", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduler resumed")
			return nil
		},
	}
}

// NewConfigCmd creates the config command
func NewConfigCmd(app *App) *cobra.Command {
	var (
		maxConcurrent int
		dedupWindow   int
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change runtime scheduler settings",
		Long: `Without flags, print the scheduler state. With flags, patch the
running coordinator's settings. Patched values persist in the store
but are reset from the config file on the next restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var patch web.ConfigPatch
			if cmd.Flags().Changed("max-concurrent") {
				patch.MaxConcurrent = &maxConcurrent
			}
			if cmd.Flags().Changed("dedup-window") {
				patch.DedupWindowSeconds = &dedupWindow
			}

			if patch.MaxConcurrent == nil && patch.DedupWindowSeconds == nil {
				var state web.StateView
				if err := app.client().do("GET", "/admin/state", nil, &state); err != nil {
					return err
				}
				fmt.Fprintf(out, "paused:          %v\n", state.Paused)
				fmt.Fprintf(out, "max_concurrent:  %d\n", state.MaxConcurrent)
				fmt.Fprintf(out, "running:         %d\n", state.RunningCount)
				fmt.Fprintf(out, "ready:           %d\n", state.ReadyCount)
				fmt.Fprintf(out, "queued:          %d\n", state.QueuedCount)
				fmt.Fprintf(out, "blocked:         %d\n", state.BlockedCount)
				return nil
			}

			var updated struct {
				MaxConcurrent      int `json:"max_concurrent"`
				DedupWindowSeconds int `json:"dedup_window_seconds"`
			}
			if err := app.client().do("PATCH", "/admin/config", patch, &updated); err != nil {
				return err
			}
			fmt.Fprintf(out, "max_concurrent=%d dedup_window_seconds=%d\n",
				updated.MaxConcurrent, updated.DedupWindowSeconds)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Concurrency cap for running phases")
	cmd.Flags().IntVar(&dedupWindow, "dedup-window", 0, "Duplicate completion absorption window, seconds")
	return cmd
}

// NewUnblockCmd creates the unblock command
func NewUnblockCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <phase-id>",
		Short: "Return a blocked phase to the queue",
		Long: `Clear a phase that was blocked by an upstream failure back to
queued. Use after resolving whatever failed upstream; the phase
becomes ready again once its dependencies are satisfied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/phases/" + args[0] + "/unblock"
			if err := app.client().do("POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "phase %s unblocked\n", args[0])
			return nil
		},
	}
}
