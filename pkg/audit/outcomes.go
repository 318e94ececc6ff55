// Package audit keeps an append-only record of per-entity ingestion outcomes.
// Every record is written as one JSON line and mirrored to a dedicated logger
// namespace so log pipelines can filter on it.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// OutcomeRecord is one line of the outcome log.
type OutcomeRecord struct {
	RunID         uuid.UUID         `json:"run_id"`
	SourceID      string            `json:"source_id"`
	QualifiedName string            `json:"qualified_name"`
	TypeName      models.EntityType `json:"type_name,omitempty"`
	Outcome       models.Outcome    `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// OutcomeAuditor appends outcome records to a writer.
type OutcomeAuditor struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *zap.Logger
}

// NewOutcomeAuditor writes to w. The logger is namespaced "ingestion_audit".
func NewOutcomeAuditor(w io.Writer, logger *zap.Logger) *OutcomeAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeAuditor{w: w, logger: logger.Named("ingestion_audit")}
}

// OpenOutcomeLog opens (or creates) the log at path in append mode.
func OpenOutcomeLog(fsys afero.Fs, path string, logger *zap.Logger) (*OutcomeAuditor, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a := NewOutcomeAuditor(f, logger)
	a.closer = f
	return a, nil
}

// Record appends one line per outcome of a run.
func (a *OutcomeAuditor) Record(runID uuid.UUID, sourceID string, outcomes []models.IngestionOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, o := range outcomes {
		rec := OutcomeRecord{
			RunID:         runID,
			SourceID:      sourceID,
			QualifiedName: o.QualifiedName,
			TypeName:      o.TypeName,
			Outcome:       o.Outcome,
			Reason:        o.Reason,
			Timestamp:     o.Timestamp.UTC(),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
		if _, err := a.w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}

		fields := []zap.Field{
			zap.String("run_id", runID.String()),
			zap.String("source_id", sourceID),
			zap.String("qualified_name", o.QualifiedName),
			zap.String("outcome", string(o.Outcome)),
		}
		if o.Outcome == models.OutcomeFailed {
			a.logger.Warn("Entity ingestion failed", append(fields, zap.String("reason", o.Reason))...)
		} else {
			a.logger.Debug("Entity ingested", fields...)
		}
	}
	return nil
}

// Close closes the underlying file when the auditor opened it.
func (a *OutcomeAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}
