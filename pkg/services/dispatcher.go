package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/services/workqueue"
)

// RunDispatcher puts source runs on a work queue on demand.
type RunDispatcher struct {
	sources  []config.SourceConfig
	byID     map[string]int
	pipeline Pipeline
	queue    *workqueue.Queue
	logger   *zap.Logger
}

// NewRunDispatcher creates a dispatcher for the configured sources.
func NewRunDispatcher(sources []config.SourceConfig, p Pipeline, q *workqueue.Queue, logger *zap.Logger) *RunDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[string]int, len(sources))
	for i, src := range sources {
		byID[src.ID] = i
	}
	return &RunDispatcher{
		sources:  sources,
		byID:     byID,
		pipeline: p,
		queue:    q,
		logger:   logger.Named("dispatcher"),
	}
}

// Schedule enqueues a run of sourceID and returns its run ID. It fails with
// apperrors.ErrNotFound for an unconfigured source and with
// apperrors.ErrRunInProgress when the source is already queued or running.
func (s *RunDispatcher) Schedule(sourceID string, opts RunOptions) (uuid.UUID, error) {
	i, ok := s.byID[sourceID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: source %q", apperrors.ErrNotFound, sourceID)
	}

	task := NewSourceRunTask(s.pipeline, s.sources[i], opts)
	if err := s.queue.Enqueue(task); err != nil {
		if errors.Is(err, workqueue.ErrKeyActive) {
			return uuid.Nil, fmt.Errorf("%w: %s", apperrors.ErrRunInProgress, sourceID)
		}
		return uuid.Nil, fmt.Errorf("failed to schedule %s: %w", sourceID, err)
	}

	s.logger.Info("Run scheduled",
		zap.String("run_id", task.ID()),
		zap.String("source_id", sourceID),
		zap.Bool("full", opts.Full))
	return uuid.MustParse(task.ID()), nil
}

// ScheduleAll enqueues every configured source. Sources that cannot be
// scheduled are reported in the joined error; the rest are still queued.
func (s *RunDispatcher) ScheduleAll(full bool) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	var errs []error
	for _, src := range s.sources {
		id, err := s.Schedule(src.ID, RunOptions{Full: full})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Active reports whether sourceID has a queued or running run.
func (s *RunDispatcher) Active(sourceID string) bool {
	return s.queue.HasActive(sourceID)
}

// Sources returns the configured sources in configuration order.
func (s *RunDispatcher) Sources() []config.SourceConfig {
	return s.sources
}

// Runs returns snapshots of recent runs, oldest first.
func (s *RunDispatcher) Runs() []workqueue.TaskSnapshot {
	return s.queue.GetTasks()
}

// Run returns the snapshot of one run.
func (s *RunDispatcher) Run(runID string) (workqueue.TaskSnapshot, bool) {
	return s.queue.GetTask(runID)
}

// Wait blocks until every scheduled run has finished and returns their
// summaries in scheduling order. Runs that could not start have no summary.
func (s *RunDispatcher) Wait(ctx context.Context) ([]*models.RunSummary, error) {
	// Failed runs still carry a summary, so only an abandoned wait is an error.
	if err := s.queue.Wait(ctx); err != nil && ctx.Err() != nil {
		return nil, err
	}
	var out []*models.RunSummary
	for _, snap := range s.queue.GetTasks() {
		if summary, ok := snap.Result.(*models.RunSummary); ok {
			out = append(out, summary)
		}
	}
	return out, nil
}
