package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// statusStyles holds the lipgloss styles for status output.
type statusStyles struct {
	Title     lipgloss.Style
	Completed lipgloss.Style
	Failed    lipgloss.Style
	Running   lipgloss.Style
	Blocked   lipgloss.Style
	Muted     lipgloss.Style
}

func newStatusStyles(color bool) statusStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return statusStyles{plain, plain, plain, plain, plain, plain}
	}
	return statusStyles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Completed: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Blocked:   lipgloss.NewStyle().Foreground(lipgloss.Color("129")),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// featureView mirrors the API feature record fields status needs.
type featureView struct {
	FeatureID   int64     `json:"feature_id"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	TotalPhases int       `json:"total_phases"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewStatusCmd creates the status command
func NewStatusCmd(app *App) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show features and the scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var features []featureView
			if err := app.client().do("GET", "/features", nil, &features); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(features)
			}

			color := term.IsTerminal(int(os.Stdout.Fd()))
			renderStatus(cmd.OutOrStdout(), features, newStatusStyles(color))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON instead of formatted text")
	return cmd
}

// renderStatus prints the feature table.
func renderStatus(w io.Writer, features []featureView, st statusStyles) {
	fmt.Fprintln(w, st.Title.Render("Foreman Status"))
	fmt.Fprintln(w, st.Muted.Render(strings.Repeat("─", 60)))

	if len(features) == 0 {
		fmt.Fprintln(w, st.Muted.Render("no features submitted"))
		return
	}

	counts := map[string]int{}
	for _, f := range features {
		style := st.Muted
		switch f.Status {
		case "completed":
			style = st.Completed
		case "failed":
			style = st.Failed
		case "in_progress":
			style = st.Running
		}
		counts[f.Status]++
		fmt.Fprintf(w, "%4d  %-12s  %2d phases  %s\n",
			f.FeatureID, style.Render(f.Status), f.TotalPhases, f.Title)
	}

	fmt.Fprintln(w, st.Muted.Render(strings.Repeat("─", 60)))
	var parts []string
	for _, status := range []string{"planning", "in_progress", "completed", "failed", "cancelled"} {
		if counts[status] > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", status, counts[status]))
		}
	}
	fmt.Fprintln(w, st.Muted.Render(strings.Join(parts, " | ")))
}
