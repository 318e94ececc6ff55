// Package commands implements the purview-connector command line.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Source adapters register themselves with the datasource registry.
	_ "github.com/ekaya-inc/purview-connector/pkg/adapters/datasource/filesystem"
	_ "github.com/ekaya-inc/purview-connector/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/purview-connector/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/purview-connector/pkg/adapters/datasource/restapi"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
)

// Version is reported by the version command and the /ping endpoint.
var Version = "dev"

// configPath is bound to the root --config flag.
var configPath string

// RootCmd is the purview-connector command.
var RootCmd = &cobra.Command{
	Use:   "purview-connector",
	Short: "Scan metadata sources and register them in Microsoft Purview",
	Long: `purview-connector extracts metadata from configured sources, maps it to
Atlas entities and upserts them into a Microsoft Purview Data Map.

Incremental runs only pick up objects modified since the last committed
checkpoint of each source.

Examples:
  purview-connector run sales-db          # Incremental run of one source
  purview-connector run --all --dry-run   # Run everything against an in-memory catalog
  purview-connector checkpoint show       # Show per-source watermarks
  purview-connector serve                 # Serve health, metrics and the runs API`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPath := os.Getenv("CONNECTOR_CONFIG")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "Path to the connector configuration (env CONNECTOR_CONFIG)")

	RootCmd.AddCommand(RunCmd)
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(CheckpointCmd)
	RootCmd.AddCommand(SourcesCmd)
	RootCmd.AddCommand(SecretsCmd)
	RootCmd.AddCommand(VersionCmd)
}

// loadConfig reads the configuration and builds the process logger from it.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, Version, overrides...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}
