package services

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// ResultsCollector aggregates the outcome of one run into a RunSummary.
// It is safe for concurrent use.
type ResultsCollector struct {
	mu       sync.Mutex
	summary  models.RunSummary
	outcomes []models.IngestionOutcome
	fatal    error
}

// NewResultsCollector starts collecting for a run.
func NewResultsCollector(runID uuid.UUID, sourceID string, incremental bool, startedAt time.Time) *ResultsCollector {
	return &ResultsCollector{
		summary: models.RunSummary{
			RunID:       runID,
			SourceID:    sourceID,
			Incremental: incremental,
			StartedAt:   startedAt,
			Errors:      []models.ErrorDetail{},
		},
	}
}

// AddExtraction records extracted records and per-object scan failures.
func (c *ResultsCollector) AddExtraction(res *ExtractResult) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Extracted += res.Extracted
	c.addRecordErrorsLocked(res.Errors)
}

// AddTransformation records mapped entities and per-record mapping failures.
func (c *ResultsCollector) AddTransformation(entities int, errs []RecordError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Transformed += entities
	c.addRecordErrorsLocked(errs)
}

func (c *ResultsCollector) addRecordErrorsLocked(errs []RecordError) {
	for _, e := range errs {
		c.summary.Failed++
		c.summary.Errors = append(c.summary.Errors, e.detail())
	}
}

// AddValidationFailure records an entity excluded before batching.
func (c *ResultsCollector) AddValidationFailure(e models.Entity, err error, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	where := e.QualifiedName
	if where == "" {
		where = string(e.TypeName) + " with empty qualified name"
	}
	c.summary.Failed++
	c.summary.Errors = append(c.summary.Errors, models.ErrorDetail{Context: where, Reason: err.Error()})
	c.outcomes = append(c.outcomes, models.IngestionOutcome{
		QualifiedName: e.QualifiedName,
		TypeName:      e.TypeName,
		Outcome:       models.OutcomeFailed,
		Reason:        err.Error(),
		Timestamp:     at,
	})
}

// AddIngestion records the ingestor's per-entity outcomes.
func (c *ResultsCollector) AddIngestion(sum *IngestionSummary) {
	if sum == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Created += sum.Created
	c.summary.Updated += sum.Updated
	c.summary.Failed += sum.Failed
	c.summary.Batches += sum.Batches
	c.summary.FailedBatches += sum.FailedBatches
	c.summary.Errors = append(c.summary.Errors, sum.Errors...)
	c.outcomes = append(c.outcomes, sum.Outcomes...)
	if sum.Fatal != nil && c.fatal == nil {
		c.fatal = sum.Fatal
	}
}

// Fatal records an error that aborted the run. Only the first one is kept.
func (c *ResultsCollector) Fatal(where string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}
	c.fatal = err
	c.summary.Errors = append(c.summary.Errors, models.ErrorDetail{Context: where, Reason: err.Error()})
}

// FatalError returns the error that aborted the run, if any.
func (c *ResultsCollector) FatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Outcomes returns the per-entity outcomes recorded so far.
func (c *ResultsCollector) Outcomes() []models.IngestionOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.IngestionOutcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// Status derives the run status from what was collected:
// failed on a fatal error or when failures occurred and nothing succeeded,
// partial when both happened, success otherwise (an empty run included).
func (c *ResultsCollector) Status() models.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *ResultsCollector) statusLocked() models.RunStatus {
	switch {
	case c.fatal != nil:
		return models.RunStatusFailed
	case c.summary.Failed > 0 && c.summary.Succeeded() == 0:
		return models.RunStatusFailed
	case c.summary.Failed > 0:
		return models.RunStatusPartial
	default:
		return models.RunStatusSuccess
	}
}

// Finish stamps the duration and returns the summary.
func (c *ResultsCollector) Finish(now time.Time) *models.RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.Status = c.statusLocked()
	s.Duration = now.Sub(s.StartedAt)
	s.Errors = append([]models.ErrorDetail(nil), c.summary.Errors...)
	if s.Errors == nil {
		s.Errors = []models.ErrorDetail{}
	}
	return &s
}
