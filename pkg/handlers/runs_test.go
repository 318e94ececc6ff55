package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/purview-connector/pkg/checkpoint"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/services"
	"github.com/ekaya-inc/purview-connector/pkg/services/workqueue"
)

var watermark = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// blockingPipeline holds every run until release is closed.
type blockingPipeline struct {
	release chan struct{}
}

func (p *blockingPipeline) Run(ctx context.Context, src *config.SourceConfig, opts services.RunOptions) (*models.RunSummary, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.RunSummary{RunID: opts.RunID, SourceID: src.ID, Status: models.RunStatusSuccess, Errors: []models.ErrorDetail{}}, nil
}

type stubHistory struct {
	runs  []models.RunSummary
	limit int
}

func (h *stubHistory) RecordRun(context.Context, *models.RunSummary) error { return nil }

func (h *stubHistory) RecentRuns(_ context.Context, sourceID string, limit int) ([]models.RunSummary, error) {
	h.limit = limit
	return h.runs, nil
}

type runsFixture struct {
	mux      *http.ServeMux
	pipeline *blockingPipeline
	store    checkpoint.Store
	history  *stubHistory
}

func newRunsFixture(t *testing.T, withHistory bool) *runsFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	p := &blockingPipeline{release: make(chan struct{})}
	q := workqueue.New(logger, workqueue.WithStrategy(workqueue.NewThrottledStrategy(2)))
	t.Cleanup(func() {
		close(p.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})

	sources := []config.SourceConfig{{ID: "sales", Type: "mssql"}, {ID: "share", Type: "filesystem"}}
	dispatcher := services.NewRunDispatcher(sources, p, q, logger)
	store := checkpoint.NewFileStore(afero.NewMemMapFs(), "/checkpoints", logger)

	f := &runsFixture{mux: http.NewServeMux(), pipeline: p, store: store}
	var history checkpoint.RunHistory
	if withHistory {
		f.history = &stubHistory{runs: []models.RunSummary{{SourceID: "sales", Status: models.RunStatusPartial}}}
		history = f.history
	}
	NewRunsHandler(dispatcher, store, history, logger).RegisterRoutes(f.mux)
	return f
}

func (f *runsFixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestRunsHandler_StartRun(t *testing.T) {
	f := newRunsFixture(t, false)

	rec := f.do(http.MethodPost, "/api/sources/sales/runs")
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode[StartRunResponse](t, rec)
	assert.Equal(t, "sales", started.SourceID)
	assert.Equal(t, "pending", started.Status)
	assert.NotEmpty(t, started.RunID)

	rec = f.do(http.MethodPost, "/api/sources/sales/runs?full=true")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_in_progress", decode[ErrorBody](t, rec).Error)

	rec = f.do(http.MethodGet, "/api/runs/"+started.RunID)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[workqueue.TaskSnapshot](t, rec)
	assert.Equal(t, "sales", snap.Key)

	rec = f.do(http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListRunsResponse](t, rec).Runs, 1)
}

func TestRunsHandler_StartRunErrors(t *testing.T) {
	f := newRunsFixture(t, false)

	rec := f.do(http.MethodPost, "/api/sources/crm/runs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "source_not_found", decode[ErrorBody](t, rec).Error)

	rec = f.do(http.MethodPost, "/api/sources/sales/runs?full=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsHandler_GetRun(t *testing.T) {
	f := newRunsFixture(t, false)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/runs/not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/runs/6f1c1c52-8a4e-4d2c-9b8e-0f4e8f1f2a3b").Code)

	rec := f.do(http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestRunsHandler_Sources(t *testing.T) {
	f := newRunsFixture(t, false)
	require.NoError(t, f.store.Commit(context.Background(), "sales", watermark))

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/sources/share/runs").Code)

	rec := f.do(http.MethodGet, "/api/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListSourcesResponse](t, rec)
	require.Len(t, resp.Sources, 2)

	sales, share := resp.Sources[0], resp.Sources[1]
	assert.Equal(t, "sales", sales.ID)
	assert.True(t, sales.Incremental)
	assert.False(t, sales.Running)
	require.NotNil(t, sales.Checkpoint)
	assert.True(t, watermark.Equal(*sales.Checkpoint))

	assert.True(t, share.Running)
	assert.Nil(t, share.Checkpoint)
}

func TestRunsHandler_Checkpoint(t *testing.T) {
	f := newRunsFixture(t, false)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/sources/sales/checkpoint").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/sources/crm/checkpoint").Code)

	require.NoError(t, f.store.Commit(context.Background(), "sales", watermark))
	rec := f.do(http.MethodGet, "/api/sources/sales/checkpoint")
	require.Equal(t, http.StatusOK, rec.Code)
	cp := decode[models.Checkpoint](t, rec)
	assert.True(t, watermark.Equal(cp.LastScanTimestamp))

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/sources/sales/checkpoint").Code)
	ts, err := f.store.Load(context.Background(), "sales")
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestRunsHandler_ResetWhileRunning(t *testing.T) {
	f := newRunsFixture(t, false)
	require.NoError(t, f.store.Commit(context.Background(), "sales", watermark))
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/sources/sales/runs").Code)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, "/api/sources/sales/checkpoint").Code)
	ts, err := f.store.Load(context.Background(), "sales")
	require.NoError(t, err)
	assert.NotNil(t, ts)
}

func TestRunsHandler_History(t *testing.T) {
	f := newRunsFixture(t, false)
	assert.Equal(t, http.StatusNotImplemented, f.do(http.MethodGet, "/api/sources/sales/history").Code)

	f = newRunsFixture(t, true)
	rec := f.do(http.MethodGet, "/api/sources/sales/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[RunHistoryResponse](t, rec).Runs, 1)
	assert.Equal(t, 5, f.history.limit)

	f.do(http.MethodGet, "/api/sources/sales/history")
	assert.Equal(t, defaultHistoryLimit, f.history.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/sources/sales/history?limit=0").Code)
}
