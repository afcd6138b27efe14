package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steelthread/foreman/internal/events"
)

// NewWatchCmd creates the watch command
func NewWatchCmd(app *App) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream scheduler events",
		Long:  `Attach to the coordinator's event stream and print events as they occur.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.watch(cmd, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw event JSON, one per line")
	return cmd
}

func (a *App) watch(cmd *cobra.Command, asJSON bool) error {
	url := strings.TrimRight(a.addr, "/") + "/events"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: this is a long-lived stream
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable at %s: %w", a.addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if asJSON {
			fmt.Fprintln(out, data)
			continue
		}

		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil || frame.Type == "" {
			continue
		}

		// Update frames carry a scheduler event; snapshot frames carry
		// state blobs, printed raw.
		var e events.Event
		if err := json.Unmarshal(frame.Data, &e); err == nil && e.Type != "" {
			fmt.Fprintln(out, e.String())
			continue
		}
		fmt.Fprintf(out, "[%s] %s\n", frame.Type, frame.Data)
	}
	return scanner.Err()
}
