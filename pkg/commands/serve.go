package commands

import (
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/purview-connector/pkg/app"
)

// ServeCmd runs the HTTP surface until interrupted.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and the runs API",
	Long: `Serve /health, /ready, /ping, /metrics and the runs API on server.bind_addr
and server.port. Runs are started on demand through
POST /api/sources/{id}/runs; in-flight runs are drained on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		a, err := app.New(cmd.Context(), cfg, logger, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(cmd.Context())
	},
}
