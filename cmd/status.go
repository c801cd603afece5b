package cmd

import (
	"encoding/json"
	"fmt"

	statusadapter "github.com/bnema/tether/internal/adapters/render/status"
	"github.com/bnema/tether/internal/application"
	"github.com/spf13/cobra"
)

func newStatusCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, token expiry and endpoint health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status := application.BuildStatus(app.sessions.Current(), app.registry, nil, app.now())
			return writeStatusOutput(cmd, app, status, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	return cmd
}

func writeStatusOutput(cmd *cobra.Command, app *app, status application.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	rendered, err := app.statusRenderer(status, statusadapter.RenderOptions{MaxRetries: app.cfg.Realtime.MaxRetries})
	if err != nil {
		return fmt.Errorf("render status: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
