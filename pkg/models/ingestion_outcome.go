package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of ingesting a single entity.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
)

// IngestionOutcome is the per-entity result of a run.
type IngestionOutcome struct {
	QualifiedName string     `json:"qualified_name"`
	TypeName      EntityType `json:"type_name"`
	Outcome       Outcome    `json:"outcome"`
	Reason        string     `json:"reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// RunStatus is the overall result of a pipeline run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// ErrorDetail is a user-visible error entry of a run summary.
type ErrorDetail struct {
	Context string `json:"context"`
	Reason  string `json:"reason"`
}

// RunSummary is what a run reports once it is over.
type RunSummary struct {
	RunID               uuid.UUID     `json:"run_id"`
	SourceID            string        `json:"source_id"`
	Status              RunStatus     `json:"status"`
	Incremental         bool          `json:"incremental"`
	Extracted           int           `json:"extracted"`
	Transformed         int           `json:"transformed"`
	Created             int           `json:"created"`
	Updated             int           `json:"updated"`
	Failed              int           `json:"failed"`
	Batches             int           `json:"batches"`
	FailedBatches       int           `json:"failed_batches"`
	Errors              []ErrorDetail `json:"errors"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	CheckpointCommitted bool          `json:"checkpoint_committed"`
	Watermark           *time.Time    `json:"watermark,omitempty"`
}

// Succeeded returns the number of entities that reached the catalog.
func (s *RunSummary) Succeeded() int {
	return s.Created + s.Updated
}
