package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/services/workqueue"
)

// ErrRunFailed is returned by SourceRunTask when a run ends with status failed.
var ErrRunFailed = errors.New("run failed")

// SourceRunTask runs the pipeline for one source on the work queue. Tasks are
// keyed by source ID so the queue never runs one source twice at a time.
type SourceRunTask struct {
	workqueue.BaseTask
	pipeline Pipeline
	source   config.SourceConfig
	opts     RunOptions
}

// NewSourceRunTask creates a task. The task ID is the run ID.
func NewSourceRunTask(p Pipeline, src config.SourceConfig, opts RunOptions) *SourceRunTask {
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	return &SourceRunTask{
		BaseTask: workqueue.NewBaseTaskWithID(opts.RunID.String(), fmt.Sprintf("Run %s", src.ID), src.ID),
		pipeline: p,
		source:   src,
		opts:     opts,
	}
}

// Execute runs the pipeline. The summary is returned even when the run failed.
func (t *SourceRunTask) Execute(ctx context.Context) (any, error) {
	summary, err := t.pipeline.Run(ctx, &t.source, t.opts)
	if err != nil {
		return nil, err
	}
	if summary.Status == models.RunStatusFailed {
		reason := "no successful entities"
		if len(summary.Errors) > 0 {
			reason = summary.Errors[0].Reason
		}
		return summary, fmt.Errorf("%w: %s", ErrRunFailed, reason)
	}
	return summary, nil
}
