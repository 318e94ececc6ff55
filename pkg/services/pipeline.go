package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/audit"
	"github.com/ekaya-inc/purview-connector/pkg/checkpoint"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/secrets"
)

// commitTimeout bounds the checkpoint commit once the run itself is over.
const commitTimeout = 30 * time.Second

// RunOptions tunes a single run.
type RunOptions struct {
	// Full ignores the checkpoint and scans everything.
	Full bool
	// RunID identifies the run. A zero value generates one.
	RunID uuid.UUID
}

// PipelineSettings holds the run-wide knobs taken from configuration.
type PipelineSettings struct {
	RunTimeout      time.Duration
	CommitOnPartial bool
	PageSize        int
	BatchSize       int
	Concurrency     int
	// DryRun skips checkpoint commits, run history and the outcome log.
	DryRun bool
}

// PipelineDeps wires the collaborators of a pipeline. History and Auditor are optional.
type PipelineDeps struct {
	Sources     datasource.SourceFactory
	Secrets     secrets.Provider
	Checkpoints checkpoint.Store
	History     checkpoint.RunHistory
	Lock        RunLock
	Extractor   MetadataExtractor
	Transformer AtlasTransformer
	Validator   EntityValidator
	Ingestor    BatchIngestor
	Auditor     *audit.OutcomeAuditor
	Metrics     *Metrics
	Clock       func() time.Time
}

// Pipeline runs extract, transform, validate and ingest for one source.
type Pipeline interface {
	// Run executes one run and returns its summary. The error is non-nil only
	// when the run could not start: another run holds the source, or the
	// source configuration is unusable. Failures during the run are reported
	// through the summary.
	Run(ctx context.Context, src *config.SourceConfig, opts RunOptions) (*models.RunSummary, error)
}

type pipeline struct {
	deps     PipelineDeps
	settings PipelineSettings
	clock    func() time.Time
	logger   *zap.Logger
}

var _ Pipeline = (*pipeline)(nil)

// NewPipeline creates a pipeline.
func NewPipeline(deps PipelineDeps, settings PipelineSettings, logger *zap.Logger) (Pipeline, error) {
	switch {
	case deps.Sources == nil:
		return nil, fmt.Errorf("source factory is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case deps.Extractor == nil || deps.Transformer == nil || deps.Validator == nil || deps.Ingestor == nil:
		return nil, fmt.Errorf("pipeline stages are required")
	}
	if deps.Lock == nil {
		deps.Lock = NewLocalRunLock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &pipeline{
		deps:     deps,
		settings: settings,
		clock:    clock,
		logger:   logger.Named("pipeline"),
	}, nil
}

func (p *pipeline) Run(ctx context.Context, src *config.SourceConfig, opts RunOptions) (*models.RunSummary, error) {
	if src == nil || src.ID == "" {
		return nil, fmt.Errorf("source id is required")
	}

	release, err := p.deps.Lock.Acquire(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := opts.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	logger := p.logger.With(
		zap.String("run_id", runID.String()),
		zap.String("source_id", src.ID),
		zap.String("source_type", src.Type))

	runCtx, cancel := context.WithCancel(ctx)
	if p.settings.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.settings.RunTimeout)
	}
	defer cancel()

	// The watermark is the scan start so objects changed mid-scan are picked up next time.
	startedAt := p.clock().UTC()

	var since *time.Time
	var loadErr error
	if src.IsIncremental() && !opts.Full {
		since, loadErr = p.deps.Checkpoints.Load(runCtx, src.ID)
	}
	collector := NewResultsCollector(runID, src.ID, since != nil, startedAt)

	logger.Info("Starting run",
		zap.Bool("incremental", since != nil),
		zap.Timep("since", since),
		zap.Bool("dry_run", p.settings.DryRun))

	if loadErr != nil {
		collector.Fatal("load checkpoint", loadErr)
	} else {
		p.execute(runCtx, src, since, collector, logger)
	}

	if ctx.Err() != nil {
		collector.Fatal("run", fmt.Errorf("run cancelled: %w", ctx.Err()))
	}

	committed := p.commit(ctx, src.ID, startedAt, collector, logger)

	summary := collector.Finish(p.clock())
	if committed {
		summary.CheckpointCommitted = true
		watermark := startedAt
		summary.Watermark = &watermark
	}

	p.record(ctx, summary, collector.Outcomes(), logger)
	return summary, nil
}

// execute runs the stages, recording everything on the collector.
func (p *pipeline) execute(ctx context.Context, src *config.SourceConfig, since *time.Time, collector *ResultsCollector, logger *zap.Logger) {
	conn, err := secrets.ResolveConnection(ctx, p.deps.Secrets, src.Connection)
	if err != nil {
		collector.Fatal("resolve connection", apperrors.AuthenticationFailed(src.ID, err))
		return
	}

	source, err := p.deps.Sources.NewSource(ctx, src.Type, datasource.SourceParams{
		SourceID:       src.ID,
		Connection:     conn,
		PageSize:       p.settings.PageSize,
		FileExtensions: src.FileExtensions,
		Recursive:      src.IsRecursive(),
		HostAlias:      src.QualifiedNameHost,
		Logger:         logger,
	})
	if err != nil {
		collector.Fatal("open source", openError(src.ID, err))
		return
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn("Failed to close source", zap.String("error", logging.SanitizeError(err)))
		}
	}()

	concurrency := src.Concurrency
	if concurrency <= 0 {
		concurrency = p.settings.Concurrency
	}
	batchSize := src.BatchSize
	if batchSize <= 0 {
		batchSize = p.settings.BatchSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	b := &entityBuffer{
		pipeline:  p,
		ctx:       ctx,
		collector: collector,
		batchSize: batchSize,
		limit:     batchSize * streamWindowBatches,
		seen:      make(map[string]struct{}),
	}
	extracted, err := p.deps.Extractor.Stream(ctx, source, src, ExtractOptions{
		Since:       since,
		Concurrency: concurrency,
		OnProgress: func(n int) {
			if n%1000 == 0 {
				logger.Info("Extraction progress", zap.Int("records", n))
			}
		},
	}, b.add)
	if err != nil {
		collector.AddExtraction(&ExtractResult{Extracted: b.records})
		if b.fatal == nil {
			collector.Fatal("extract", err)
		}
		b.observe()
		return
	}
	collector.AddExtraction(extracted)
	b.flush()
	b.observe()

	if b.ingested == 0 {
		logger.Info("Nothing to ingest",
			zap.Int("extracted", extracted.Extracted),
			zap.Int("unchanged", extracted.Unchanged))
	}
}

// streamWindowBatches is how many batches of valid entities are buffered
// before they are ingested while extraction continues.
const streamWindowBatches = 10

// entityBuffer transforms and validates records as they are extracted and
// ingests valid entities a window at a time. Only the keys of entities already
// seen are kept for the whole run.
type entityBuffer struct {
	pipeline  *pipeline
	ctx       context.Context
	collector *ResultsCollector
	batchSize int
	limit     int

	pending  []models.Entity
	seen     map[string]struct{}
	records  int
	ingested int
	invalid  int
	mapErrs  int
	fatal    error

	transformTime time.Duration
	validateTime  time.Duration
}

// add is the extractor's emit callback. An authentication failure while
// ingesting stops the scan.
func (b *entityBuffer) add(rec models.RawMetadataRecord) error {
	p := b.pipeline
	b.records++

	started := time.Now()
	entities, mapErrs := p.deps.Transformer.Transform([]models.RawMetadataRecord{rec})
	b.transformTime += time.Since(started)
	b.collector.AddTransformation(len(entities), mapErrs)
	b.mapErrs += len(mapErrs)

	started = time.Now()
	for _, e := range entities {
		if err := p.deps.Validator.Validate(e); err != nil {
			b.invalid++
			b.collector.AddValidationFailure(e, err, p.clock())
			continue
		}
		// The first occurrence of a qualified name wins.
		if _, dup := b.seen[e.Key()]; dup {
			continue
		}
		b.seen[e.Key()] = struct{}{}
		b.pending = append(b.pending, e)
	}
	b.validateTime += time.Since(started)

	if len(b.pending) >= b.limit {
		b.flush()
	}
	return b.fatal
}

// flush ingests everything pending.
func (b *entityBuffer) flush() {
	if len(b.pending) == 0 || b.fatal != nil {
		return
	}
	sum := b.pipeline.deps.Ingestor.Ingest(b.ctx, b.pending, b.batchSize)
	b.collector.AddIngestion(sum)
	b.ingested += len(b.pending)
	b.pending = nil
	b.fatal = sum.Fatal
}

func (b *entityBuffer) observe() {
	m := b.pipeline.deps.Metrics
	m.ObserveStage("transform", b.transformTime)
	m.ObserveStage("validate", b.validateTime)
	m.AddRecordErrors(apperrors.KindSchemaMapping, b.mapErrs)
	m.AddRecordErrors(apperrors.KindValidation, b.invalid)
}

// commit advances the checkpoint when the outcome allows it.
func (p *pipeline) commit(ctx context.Context, sourceID string, watermark time.Time, collector *ResultsCollector, logger *zap.Logger) bool {
	status := collector.Status()
	switch {
	case p.settings.DryRun:
		return false
	case ctx.Err() != nil:
		return false
	case status == models.RunStatusSuccess:
	case status == models.RunStatusPartial && p.settings.CommitOnPartial:
	default:
		logger.Info("Checkpoint not advanced", zap.String("status", string(status)))
		return false
	}

	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := p.deps.Checkpoints.Commit(commitCtx, sourceID, watermark); err != nil {
		logger.Error("Failed to commit checkpoint", zap.Error(err))
		collector.Fatal("commit checkpoint", err)
		return false
	}
	logger.Debug("Checkpoint committed", zap.Time("watermark", watermark))
	return true
}

// record publishes the summary to the audit log, run history, metrics and logs.
func (p *pipeline) record(ctx context.Context, summary *models.RunSummary, outcomes []models.IngestionOutcome, logger *zap.Logger) {
	if !p.settings.DryRun {
		if p.deps.Auditor != nil {
			if err := p.deps.Auditor.Record(summary.RunID, summary.SourceID, outcomes); err != nil {
				logger.Error("Failed to write outcome log", zap.Error(err))
			}
		}
		if p.deps.History != nil {
			histCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
			if err := p.deps.History.RecordRun(histCtx, summary); err != nil {
				logger.Error("Failed to record run history", zap.Error(err))
			}
			cancel()
		}
	}

	p.deps.Metrics.ObserveRun(summary)

	fields := []zap.Field{
		zap.String("status", string(summary.Status)),
		zap.Int("extracted", summary.Extracted),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
		zap.Int("batches", summary.Batches),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.Duration("duration", summary.Duration),
		zap.Bool("checkpoint_committed", summary.CheckpointCommitted),
	}
	switch summary.Status {
	case models.RunStatusFailed:
		if len(summary.Errors) > 0 {
			fields = append(fields, zap.String("error", logging.SanitizeError(errors.New(summary.Errors[0].Reason))))
		}
		logger.Error("Run failed", fields...)
	case models.RunStatusPartial:
		logger.Warn("Run completed with failures", fields...)
	default:
		logger.Info("Run completed", fields...)
	}
}

// openError classifies a failure to open a source. Unknown types and bad
// parameters are reported as they are; connection failures go through the
// source error taxonomy.
func openError(sourceID string, err error) error {
	if errors.Is(err, apperrors.ErrUnknownSource) || apperrors.KindOf(err) != apperrors.KindUnknown {
		return err
	}
	return datasource.ClassifyError(sourceID, err)
}
