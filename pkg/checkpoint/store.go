// Package checkpoint persists the last successful scan watermark of each source.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/database"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// Store reads and commits scan watermarks.
//
// Load returns nil when the source has never completed a run. Commit never
// moves a watermark backwards; an older timestamp leaves the stored one in
// place. A single writer per source is assumed; callers serialize runs with a
// run lock.
type Store interface {
	Load(ctx context.Context, sourceID string) (*time.Time, error)
	Commit(ctx context.Context, sourceID string, ts time.Time) error
	Reset(ctx context.Context, sourceID string) error
	List(ctx context.Context) ([]models.Checkpoint, error)
}

// RunHistory records finished runs. Only the PostgreSQL backend keeps history.
type RunHistory interface {
	RecordRun(ctx context.Context, summary *models.RunSummary) error
	RecentRuns(ctx context.Context, sourceID string, limit int) ([]models.RunSummary, error)
}

// normalize drops sub-microsecond precision, which PostgreSQL cannot store,
// so both backends round-trip identical values.
func normalize(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Microsecond)
}

// Open builds the configured store. The PostgreSQL backend also returns its
// pool, which the caller closes and may share with the distributed run lock.
func Open(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (Store, *database.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case "", "file":
		logger.Info("Using file checkpoint store", zap.String("dir", cfg.Dir))
		return NewFileStore(afero.NewOsFs(), cfg.Dir, logger), nil, nil
	case "postgres":
		if cfg.Database.Password != "" {
			logging.RegisterSecret(cfg.Database.Password)
		}
		dbCfg := database.ConfigFrom(cfg.Database)
		if err := database.MigrateURL(dbCfg.URL, logger); err != nil {
			return nil, nil, err
		}
		db, err := database.NewConnection(ctx, dbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect checkpoint database: %w", err)
		}
		logger.Info("Using PostgreSQL checkpoint store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
		return NewPostgresStore(db, logger), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
