package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/audit"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeHistory struct {
	mu   sync.Mutex
	runs []models.RunSummary
}

func (h *fakeHistory) RecordRun(ctx context.Context, s *models.RunSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, *s)
	return nil
}

func (h *fakeHistory) RecentRuns(ctx context.Context, sourceID string, limit int) ([]models.RunSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.RunSummary(nil), h.runs...), nil
}

// staticTransformer returns fixed entities regardless of input.
type staticTransformer struct {
	entities []models.Entity
}

func (s staticTransformer) Transform([]models.RawMetadataRecord) ([]models.Entity, []RecordError) {
	return s.entities, nil
}

type pipelineHarness struct {
	source      *fakeSource
	factory     *fakeFactory
	catalog     *scriptedCatalog
	store       *memoryStore
	lock        *LocalRunLock
	clock       *fakeClock
	audit       *bytes.Buffer
	history     *fakeHistory
	transformer AtlasTransformer
	settings    PipelineSettings
}

func newHarness(tables ...string) *pipelineHarness {
	src := newFakeSource(2)
	for _, name := range tables {
		src.addTable("dbo", name, baseTime.Add(-time.Hour))
	}
	return &pipelineHarness{
		source:   src,
		factory:  &fakeFactory{source: src},
		catalog:  newScriptedCatalog(),
		store:    newMemoryStore(),
		lock:     NewLocalRunLock(),
		clock:    &fakeClock{now: baseTime},
		audit:    &bytes.Buffer{},
		history:  &fakeHistory{},
		settings: PipelineSettings{CommitOnPartial: true, BatchSize: 2},
	}
}

func (h *pipelineHarness) pipeline(t *testing.T) Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ingestor, err := NewBatchIngestor(h.catalog, IngestorConfig{
		Retry: noSleepPolicy(3, nil),
		Clock: h.clock.Now,
	}, nil, logger)
	require.NoError(t, err)

	transformer := h.transformer
	if transformer == nil {
		transformer = NewAtlasTransformer(logger)
	}

	p, err := NewPipeline(PipelineDeps{
		Sources:     h.factory,
		Checkpoints: h.store,
		History:     h.history,
		Lock:        h.lock,
		Extractor:   NewMetadataExtractor(noSleepPolicy(3, nil), nil, logger),
		Transformer: transformer,
		Validator:   NewEntityValidator(),
		Ingestor:    ingestor,
		Auditor:     audit.NewOutcomeAuditor(h.audit, logger),
		Clock:       h.clock.Now,
	}, h.settings, logger)
	require.NoError(t, err)
	return p
}

func salesSource() *config.SourceConfig {
	return &config.SourceConfig{ID: "sales", Type: "mssql", Connection: map[string]any{"host": "db.example.com"}}
}

func auditLines(buf *bytes.Buffer) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		n++
	}
	return n
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(PipelineDeps{}, PipelineSettings{}, nil)
	assert.Error(t, err)
}

func TestPipeline_FirstRunCreatesEverything(t *testing.T) {
	h := newHarness("customers", "orders", "invoices")
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSuccess, summary.Status)
	assert.False(t, summary.Incremental, "no checkpoint yet means a full scan")
	assert.Equal(t, 3, summary.Extracted)
	// Three tables plus their shared database and schema.
	assert.Equal(t, 5, summary.Created)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 3, summary.Batches)
	assert.Empty(t, summary.Errors)

	assert.True(t, summary.CheckpointCommitted)
	require.NotNil(t, summary.Watermark)
	assert.Equal(t, baseTime, *summary.Watermark)
	mark, ok := h.store.get("sales")
	require.True(t, ok)
	assert.Equal(t, baseTime, mark)

	assert.Equal(t, 5, auditLines(h.audit))
	require.Len(t, h.history.runs, 1)
	assert.Equal(t, summary.RunID, h.history.runs[0].RunID)
	assert.True(t, h.source.closed)
}

func TestPipeline_IncrementalRuns(t *testing.T) {
	h := newHarness("customers", "orders", "invoices")
	p := h.pipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, salesSource(), RunOptions{})
	require.NoError(t, err)

	// One table changes after the first scan started.
	h.source.touch("dbo", "orders", baseTime.Add(30*time.Minute))
	h.clock.Set(baseTime.Add(time.Hour))

	second, err := p.Run(ctx, salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, second.Incremental)
	assert.Equal(t, 1, second.Extracted)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated, "the table with its database and schema")
	assert.Equal(t, models.RunStatusSuccess, second.Status)

	// Nothing changed since: an empty run still succeeds and advances the watermark.
	h.clock.Set(baseTime.Add(2 * time.Hour))
	third, err := p.Run(ctx, salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, third.Extracted)
	assert.Equal(t, 0, third.Batches)
	assert.Equal(t, models.RunStatusSuccess, third.Status)
	assert.True(t, third.CheckpointCommitted)

	mark, _ := h.store.get("sales")
	assert.Equal(t, baseTime.Add(2*time.Hour), mark)
	assert.Equal(t, 5, h.catalog.Len())
}

func TestPipeline_FullRunIgnoresCheckpoint(t *testing.T) {
	h := newHarness("customers", "orders")
	h.store.marks["sales"] = baseTime.Add(-time.Minute)
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{Full: true})
	require.NoError(t, err)
	assert.False(t, summary.Incremental)
	assert.Equal(t, 2, summary.Extracted)

	disabled := false
	src := salesSource()
	src.Incremental = &disabled
	summary, err = p.Run(context.Background(), src, RunOptions{})
	require.NoError(t, err)
	assert.False(t, summary.Incremental)
	assert.Equal(t, 2, summary.Extracted)
}

func TestPipeline_ReRunIsIdempotent(t *testing.T) {
	h := newHarness("customers", "orders", "invoices")
	p := h.pipeline(t)

	first, err := p.Run(context.Background(), salesSource(), RunOptions{Full: true})
	require.NoError(t, err)
	second, err := p.Run(context.Background(), salesSource(), RunOptions{Full: true})
	require.NoError(t, err)

	assert.Equal(t, 5, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 5, second.Updated)
	assert.Equal(t, 5, h.catalog.Len())
}

func TestPipeline_InvalidEntityMakesRunPartial(t *testing.T) {
	entities := tableEntities(5)
	entities[2].QualifiedName = ""

	h := newHarness("customers")
	h.transformer = staticTransformer{entities: entities}
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusPartial, summary.Status)
	assert.Equal(t, 4, summary.Created)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Reason, "qualified name is empty")
	assert.True(t, summary.CheckpointCommitted)

	// Validation failures are audited next to ingestion outcomes.
	assert.Equal(t, 5, auditLines(h.audit))
}

func TestPipeline_PartialWithoutCommitPolicy(t *testing.T) {
	entities := tableEntities(3)
	entities[0].Attributes = nil

	h := newHarness("customers")
	h.transformer = staticTransformer{entities: entities}
	h.settings.CommitOnPartial = false
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, summary.Status)
	assert.False(t, summary.CheckpointCommitted)
	assert.Nil(t, summary.Watermark)
	_, ok := h.store.get("sales")
	assert.False(t, ok)
}

func TestPipeline_DuplicateQualifiedNamesIngestedOnce(t *testing.T) {
	entities := append(tableEntities(2), tableEntities(1)...)

	h := newHarness("customers")
	h.transformer = staticTransformer{entities: entities}
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, models.RunStatusSuccess, summary.Status)
}

func TestPipeline_TotalFailureKeepsCheckpoint(t *testing.T) {
	h := newHarness("customers", "orders", "invoices")
	previous := baseTime.Add(-24 * time.Hour)
	h.store.marks["sales"] = previous
	for i := 0; i < 10; i++ {
		h.catalog.upsertErrs = append(h.catalog.upsertErrs, apperrors.PermanentIngestion("bulk upsert", 400, errBoom))
	}
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, summary.Status)
	assert.Equal(t, 5, summary.Failed)
	assert.False(t, summary.CheckpointCommitted)
	mark, _ := h.store.get("sales")
	assert.Equal(t, previous, mark, "a failed run never moves the watermark")
	assert.Zero(t, h.store.commits)
}

func TestPipeline_SourceFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *pipelineHarness)
		reason  string
	}{
		{
			name:    "rejected credentials",
			prepare: func(h *pipelineHarness) { h.factory.err = errors.New("mssql: login failed for user 'scanner'") },
			reason:  string(apperrors.KindAuthenticationFailed),
		},
		{
			name:    "unreachable",
			prepare: func(h *pipelineHarness) { h.source.scopesErr = errors.New("dial tcp: connection refused") },
			reason:  string(apperrors.KindSourceUnreachable),
		},
		{
			name:    "unknown type",
			prepare: func(h *pipelineHarness) { h.factory.err = apperrors.ErrUnknownSource },
			reason:  "unknown source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("customers")
			tt.prepare(h)
			p := h.pipeline(t)

			summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
			require.NoError(t, err, "failures during the run are reported in the summary")
			assert.Equal(t, models.RunStatusFailed, summary.Status)
			assert.False(t, summary.CheckpointCommitted)
			require.NotEmpty(t, summary.Errors)
			assert.Contains(t, summary.Errors[0].Reason, tt.reason)
			assert.Zero(t, h.catalog.batchCount())
			assert.Zero(t, h.store.commits)
		})
	}
}

func TestPipeline_CheckpointLoadFailure(t *testing.T) {
	h := newHarness("customers")
	h.store.loadErr = errBoom
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, summary.Status)
	assert.Equal(t, "load checkpoint", summary.Errors[0].Context)
	assert.Zero(t, h.factory.created)
}

func TestPipeline_CommitFailureFailsRun(t *testing.T) {
	h := newHarness("customers")
	h.store.commitErr = errBoom
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, summary.Status)
	assert.False(t, summary.CheckpointCommitted)
	assert.Equal(t, 3, summary.Created)
}

func TestPipeline_CancellationNeverCommits(t *testing.T) {
	h := newHarness("customers", "orders")
	h.catalog.block = make(chan struct{})
	p := h.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *models.RunSummary, 1)
	go func() {
		summary, err := p.Run(ctx, salesSource(), RunOptions{})
		assert.NoError(t, err)
		done <- summary
	}()

	require.Eventually(t, func() bool { return h.catalog.batchCount() > 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	summary := <-done
	assert.Equal(t, models.RunStatusFailed, summary.Status)
	assert.False(t, summary.CheckpointCommitted)
	assert.Zero(t, h.store.commits)
	assert.False(t, h.lock.Running("sales"), "the lock is released after a cancelled run")
}

func TestPipeline_RunTimeoutDuringIngestion(t *testing.T) {
	h := newHarness("customers")
	h.catalog.block = make(chan struct{})
	defer close(h.catalog.block)
	h.settings.RunTimeout = 50 * time.Millisecond
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, summary.Status)
	require.NotEmpty(t, summary.Errors)
	assert.Contains(t, summary.Errors[0].Reason, "transient")
	assert.False(t, summary.CheckpointCommitted)
}

func TestPipeline_RejectsConcurrentRunOfSameSource(t *testing.T) {
	h := newHarness("customers")
	p := h.pipeline(t)

	release, err := h.lock.Acquire(context.Background(), "sales")
	require.NoError(t, err)
	defer release()

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
	assert.Zero(t, h.factory.created)
}

func TestPipeline_DryRunLeavesNoTrace(t *testing.T) {
	h := newHarness("customers", "orders")
	h.settings.DryRun = true
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Created)
	assert.False(t, summary.CheckpointCommitted)
	assert.Zero(t, h.store.commits)
	assert.Zero(t, h.audit.Len())
	assert.Empty(t, h.history.runs)
}

func TestPipeline_PassesSourceSettings(t *testing.T) {
	h := newHarness("customers")
	h.settings.PageSize = 250
	p := h.pipeline(t)

	src := salesSource()
	src.QualifiedNameHost = "sql-listener.corp"
	src.FileExtensions = []string{"csv"}
	runID := uuid.New()

	summary, err := p.Run(context.Background(), src, RunOptions{RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, "sql-listener.corp", h.factory.params.HostAlias)
	assert.Equal(t, 250, h.factory.params.PageSize)
	assert.Equal(t, []string{"csv"}, h.factory.params.FileExtensions)
	assert.True(t, h.factory.params.Recursive)
}

func TestSourceRunTask(t *testing.T) {
	h := newHarness("customers")
	p := h.pipeline(t)

	task := NewSourceRunTask(p, *salesSource(), RunOptions{})
	assert.Equal(t, "sales", task.Key())
	assert.Equal(t, "Run sales", task.Name())
	_, err := uuid.Parse(task.ID())
	assert.NoError(t, err)

	result, err := task.Execute(context.Background())
	require.NoError(t, err)
	summary := result.(*models.RunSummary)
	assert.Equal(t, task.ID(), summary.RunID.String())

	h.source.scopesErr = errors.New("connection refused")
	result, err = NewSourceRunTask(p, *salesSource(), RunOptions{Full: true}).Execute(context.Background())
	assert.ErrorIs(t, err, ErrRunFailed)
	require.NotNil(t, result)
	assert.Equal(t, models.RunStatusFailed, result.(*models.RunSummary).Status)
}

func TestPipeline_IngestsWhileExtracting(t *testing.T) {
	names := make([]string, 25)
	for i := range names {
		names[i] = fmt.Sprintf("t%02d", i)
	}
	h := newHarness(names...)
	h.settings.BatchSize = 1

	var ingestedDuringScan int
	h.source.onDetail = func(context.Context, datasource.ObjectDescriptor) {
		ingestedDuringScan = max(ingestedDuringScan, h.catalog.batchCount())
	}
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, summary.Status)
	assert.Equal(t, 25, summary.Extracted)
	assert.Equal(t, 27, summary.Created)
	assert.Equal(t, 27, summary.Batches)
	assert.GreaterOrEqual(t, ingestedDuringScan, streamWindowBatches,
		"a full window is ingested before the scan finishes")
}

func TestPipeline_FatalScanErrorAfterIngestedWindow(t *testing.T) {
	names := make([]string, 15)
	for i := range names {
		names[i] = fmt.Sprintf("t%02d", i)
	}
	h := newHarness(names...)
	h.settings.BatchSize = 1
	h.source.detailErr["t14"] = apperrors.AuthenticationFailed("sales", errors.New("login failed for user 'scanner'"))
	previous := baseTime.Add(-time.Hour)
	h.store.marks["sales"] = previous
	p := h.pipeline(t)

	summary, err := p.Run(context.Background(), salesSource(), RunOptions{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, summary.Status)
	assert.Equal(t, 14, summary.Extracted)
	assert.Equal(t, "extract", summary.Errors[len(summary.Errors)-1].Context)
	assert.Positive(t, h.catalog.batchCount(), "entities upserted before the failure stay upserted")
	assert.False(t, summary.CheckpointCommitted)
	mark, _ := h.store.get("sales")
	assert.Equal(t, previous, mark)
}
