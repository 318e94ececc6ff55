package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/database"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// PostgresStore keeps checkpoints and run history in PostgreSQL.
// The schema is created by the migrations in migrations/.
type PostgresStore struct {
	db     *database.DB
	logger *zap.Logger
}

// NewPostgresStore creates a store on an open pool.
func NewPostgresStore(db *database.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger.Named("checkpoint")}
}

// Load returns the stored watermark, or nil when none exists.
func (s *PostgresStore) Load(ctx context.Context, sourceID string) (*time.Time, error) {
	var ts time.Time
	err := s.db.QueryRow(ctx,
		`SELECT last_scan_timestamp FROM connector_checkpoints WHERE source_id = $1`,
		sourceID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", sourceID, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// Commit upserts the watermark, keeping the later of the stored and offered values.
func (s *PostgresStore) Commit(ctx context.Context, sourceID string, ts time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO connector_checkpoints (source_id, last_scan_timestamp, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source_id) DO UPDATE
		SET last_scan_timestamp = GREATEST(connector_checkpoints.last_scan_timestamp, EXCLUDED.last_scan_timestamp),
		    updated_at = now()`,
		sourceID, normalize(ts))
	if err != nil {
		return fmt.Errorf("commit checkpoint for %s: %w", sourceID, err)
	}
	s.logger.Debug("Checkpoint committed",
		zap.String("source_id", sourceID),
		zap.Time("last_scan_timestamp", ts))
	return nil
}

// Reset removes the watermark so the next run performs a full scan.
func (s *PostgresStore) Reset(ctx context.Context, sourceID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM connector_checkpoints WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("reset checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// List returns every stored checkpoint ordered by source id.
func (s *PostgresStore) List(ctx context.Context) ([]models.Checkpoint, error) {
	rows, err := s.db.Query(ctx,
		`SELECT source_id, last_scan_timestamp FROM connector_checkpoints ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.SourceID, &cp.LastScanTimestamp); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.LastScanTimestamp = cp.LastScanTimestamp.UTC()
		out = append(out, cp)
	}
	return out, rows.Err()
}

// RecordRun stores a finished run summary.
func (s *PostgresStore) RecordRun(ctx context.Context, summary *models.RunSummary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO connector_runs
			(run_id, source_id, status, incremental, extracted, created, updated, failed,
			 checkpoint_committed, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO NOTHING`,
		summary.RunID, summary.SourceID, string(summary.Status), summary.Incremental,
		summary.Extracted, summary.Created, summary.Updated, summary.Failed,
		summary.CheckpointCommitted, summary.StartedAt, summary.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record run %s: %w", summary.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs of a source, newest first.
func (s *PostgresStore) RecentRuns(ctx context.Context, sourceID string, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT run_id, source_id, status, incremental, extracted, created, updated, failed,
		       checkpoint_committed, started_at, duration_ms
		FROM connector_runs
		WHERE source_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []models.RunSummary
	for rows.Next() {
		var (
			r          models.RunSummary
			status     string
			durationMs int64
		)
		if err := rows.Scan(&r.RunID, &r.SourceID, &status, &r.Incremental, &r.Extracted,
			&r.Created, &r.Updated, &r.Failed, &r.CheckpointCommitted, &r.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = models.RunStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.StartedAt = r.StartedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
