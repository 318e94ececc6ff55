package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/checkpoint"
	"github.com/ekaya-inc/purview-connector/pkg/config"
)

// CheckpointCmd groups checkpoint maintenance.
var CheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset per-source scan checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the last committed scan timestamp of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCheckpoints(cmd, func(cfg *config.Config, store checkpoint.Store) error {
			cps, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			marks := make(map[string]time.Time, len(cps))
			for _, cp := range cps {
				marks[cp.SourceID] = cp.LastScanTimestamp
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tLAST SCAN")
			for _, src := range cfg.Sources {
				ts, ok := marks[src.ID]
				if !ok {
					fmt.Fprintf(w, "%s\t-\n", src.ID)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", src.ID, ts.UTC().Format(time.RFC3339))
				delete(marks, src.ID)
			}
			// Checkpoints of sources no longer configured.
			for id, ts := range marks {
				fmt.Fprintf(w, "%s (unconfigured)\t%s\n", id, ts.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset [source-id...]",
	Short: "Forget checkpoints so the next run scans everything",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			return errors.New("name one or more sources or pass --all")
		}

		return withCheckpoints(cmd, func(cfg *config.Config, store checkpoint.Store) error {
			ids := args
			if all {
				ids = nil
				for _, src := range cfg.Sources {
					ids = append(ids, src.ID)
				}
			}
			for _, id := range ids {
				if _, ok := cfg.Source(id); !ok {
					return fmt.Errorf("unknown source %q", id)
				}
				if err := store.Reset(cmd.Context(), id); err != nil {
					return fmt.Errorf("reset %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset checkpoint of %s\n", id)
			}
			return nil
		})
	},
}

func init() {
	checkpointResetCmd.Flags().Bool("all", false, "Reset every configured source")
	CheckpointCmd.AddCommand(checkpointShowCmd)
	CheckpointCmd.AddCommand(checkpointResetCmd)
}

// withCheckpoints opens the configured checkpoint store for fn.
func withCheckpoints(cmd *cobra.Command, fn func(*config.Config, checkpoint.Store) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, db, err := checkpoint.Open(cmd.Context(), cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	if err := fn(cfg, store); err != nil {
		logger.Debug("Checkpoint command failed", zap.Error(err))
		return err
	}
	return nil
}
