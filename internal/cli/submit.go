package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steelthread/foreman/internal/web"
)

// featureFile is the YAML shape of a feature submission.
type featureFile struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Priority    *int   `yaml:"priority"`
	Phases      []struct {
		PhaseNumber int    `yaml:"phase_number"`
		Title       string `yaml:"title"`
		Prompt      string `yaml:"prompt"`
		DependsOn   []int  `yaml:"depends_on"`
		Priority    *int   `yaml:"priority"`
	} `yaml:"phases"`
}

// NewSubmitCmd creates the submit command
func NewSubmitCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <feature.yaml>",
		Short: "Submit a feature with its phase graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadFeatureFile(args[0])
			if err != nil {
				return err
			}

			var resp web.SubmitResponse
			if err := app.client().do("POST", "/submit", req, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "feature %d submitted with %d phases\n",
				resp.FeatureID, len(resp.PhaseIDs))
			for i, id := range resp.PhaseIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "  phase %d: %s\n", i+1, id)
			}
			return nil
		},
	}
}

// loadFeatureFile parses and converts a feature YAML file.
func loadFeatureFile(path string) (*web.SubmitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature file: %w", err)
	}

	var ff featureFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse feature file: %w", err)
	}
	if ff.Title == "" {
		return nil, fmt.Errorf("feature file has no title")
	}
	if len(ff.Phases) == 0 {
		return nil, fmt.Errorf("feature file has no phases")
	}

	req := &web.SubmitRequest{
		Title:       ff.Title,
		Description: ff.Description,
		Priority:    ff.Priority,
	}
	for _, p := range ff.Phases {
		req.Phases = append(req.Phases, web.SubmitPhaseReq{
			PhaseNumber: p.PhaseNumber,
			Title:       p.Title,
			Prompt:      p.Prompt,
			DependsOn:   p.DependsOn,
			Priority:    p.Priority,
		})
	}
	return req, nil
}
