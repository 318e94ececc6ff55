package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/checkpoint"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/services"
	"github.com/ekaya-inc/purview-connector/pkg/services/workqueue"
)

const defaultHistoryLimit = 20

// RunDispatcher queues source runs. Implemented by services.RunDispatcher.
type RunDispatcher interface {
	Schedule(sourceID string, opts services.RunOptions) (uuid.UUID, error)
	Active(sourceID string) bool
	Sources() []config.SourceConfig
	Runs() []workqueue.TaskSnapshot
	Run(runID string) (workqueue.TaskSnapshot, bool)
}

// SourceResponse describes a configured source and its scan state.
type SourceResponse struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Incremental bool       `json:"incremental"`
	Running     bool       `json:"running"`
	Checkpoint  *time.Time `json:"checkpoint,omitempty"`
}

// ListSourcesResponse wraps the source list.
type ListSourcesResponse struct {
	Sources []SourceResponse `json:"sources"`
}

// StartRunResponse is returned when a run is accepted.
type StartRunResponse struct {
	RunID    string `json:"run_id"`
	SourceID string `json:"source_id"`
	Status   string `json:"status"`
}

// ListRunsResponse wraps the runs known to this process.
type ListRunsResponse struct {
	Runs []workqueue.TaskSnapshot `json:"runs"`
}

// RunHistoryResponse wraps persisted run summaries.
type RunHistoryResponse struct {
	Runs []models.RunSummary `json:"runs"`
}

// RunsHandler exposes sources, runs and checkpoints over HTTP.
type RunsHandler struct {
	dispatcher  RunDispatcher
	checkpoints checkpoint.Store
	history     checkpoint.RunHistory
	logger      *zap.Logger
}

// NewRunsHandler creates a runs handler. history may be nil when the
// checkpoint backend keeps no run history.
func NewRunsHandler(dispatcher RunDispatcher, checkpoints checkpoint.Store, history checkpoint.RunHistory, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		history:     history,
		logger:      logger,
	}
}

// RegisterRoutes registers the runs handler's routes on the given mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sources", h.ListSources)
	mux.HandleFunc("POST /api/sources/{id}/runs", h.StartRun)
	mux.HandleFunc("GET /api/sources/{id}/checkpoint", h.GetCheckpoint)
	mux.HandleFunc("DELETE /api/sources/{id}/checkpoint", h.ResetCheckpoint)
	mux.HandleFunc("GET /api/sources/{id}/history", h.History)
	mux.HandleFunc("GET /api/runs", h.ListRuns)
	mux.HandleFunc("GET /api/runs/{rid}", h.GetRun)
}

// ListSources handles GET /api/sources
func (h *RunsHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.checkpoints.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list checkpoints", zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to list checkpoints")
		return
	}
	marks := make(map[string]time.Time, len(checkpoints))
	for _, cp := range checkpoints {
		marks[cp.SourceID] = cp.LastScanTimestamp
	}

	sources := h.dispatcher.Sources()
	resp := ListSourcesResponse{Sources: make([]SourceResponse, len(sources))}
	for i := range sources {
		src := &sources[i]
		resp.Sources[i] = SourceResponse{
			ID:          src.ID,
			Type:        src.Type,
			Incremental: src.IsIncremental(),
			Running:     h.dispatcher.Active(src.ID),
		}
		if ts, ok := marks[src.ID]; ok {
			resp.Sources[i].Checkpoint = &ts
		}
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// StartRun handles POST /api/sources/{id}/runs
// Accepts ?full=true to ignore the checkpoint.
func (h *RunsHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")

	full := false
	if raw := r.URL.Query().Get("full"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_parameter", "full must be a boolean")
			return
		}
		full = v
	}

	runID, err := h.dispatcher.Schedule(sourceID, services.RunOptions{Full: full})
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, h.logger, http.StatusNotFound, "source_not_found", "Unknown source "+sourceID)
		return
	case errors.Is(err, apperrors.ErrRunInProgress):
		writeError(w, h.logger, http.StatusConflict, "run_in_progress", "A run of "+sourceID+" is already queued or running")
		return
	case err != nil:
		h.logger.Error("Failed to schedule run", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, h.logger, http.StatusServiceUnavailable, "schedule_failed", "Failed to schedule run")
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, StartRunResponse{
		RunID:    runID.String(),
		SourceID: sourceID,
		Status:   string(workqueue.TaskStatusPending),
	})
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.dispatcher.Runs()
	if runs == nil {
		runs = []workqueue.TaskSnapshot{}
	}
	writeJSON(w, h.logger, http.StatusOK, ListRunsResponse{Runs: runs})
}

// GetRun handles GET /api/runs/{rid}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("rid"))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_run_id", "Invalid run ID format")
		return
	}
	snap, ok := h.dispatcher.Run(runID.String())
	if !ok {
		writeError(w, h.logger, http.StatusNotFound, "run_not_found", "Run not found")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, snap)
}

// GetCheckpoint handles GET /api/sources/{id}/checkpoint
func (h *RunsHandler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := h.knownSource(w, r)
	if !ok {
		return
	}
	ts, err := h.checkpoints.Load(r.Context(), sourceID)
	if err != nil {
		h.logger.Error("Failed to load checkpoint", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to load checkpoint")
		return
	}
	if ts == nil {
		writeError(w, h.logger, http.StatusNotFound, "checkpoint_not_found", "No checkpoint for "+sourceID)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, models.Checkpoint{SourceID: sourceID, LastScanTimestamp: *ts})
}

// ResetCheckpoint handles DELETE /api/sources/{id}/checkpoint
// The next run of the source scans everything.
func (h *RunsHandler) ResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := h.knownSource(w, r)
	if !ok {
		return
	}
	if h.dispatcher.Active(sourceID) {
		writeError(w, h.logger, http.StatusConflict, "run_in_progress", "Cannot reset the checkpoint of a running source")
		return
	}
	if err := h.checkpoints.Reset(r.Context(), sourceID); err != nil {
		h.logger.Error("Failed to reset checkpoint", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to reset checkpoint")
		return
	}
	h.logger.Info("Checkpoint reset", zap.String("source_id", sourceID))
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /api/sources/{id}/history
// Accepts ?limit=N (default 20).
func (h *RunsHandler) History(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := h.knownSource(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		writeError(w, h.logger, http.StatusNotImplemented, "history_unavailable", "The checkpoint backend keeps no run history")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_parameter", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.history.RecentRuns(r.Context(), sourceID, limit)
	if err != nil {
		h.logger.Error("Failed to load run history", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to load run history")
		return
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	writeJSON(w, h.logger, http.StatusOK, RunHistoryResponse{Runs: runs})
}

// knownSource returns the path source ID, writing a 404 when it is not configured.
func (h *RunsHandler) knownSource(w http.ResponseWriter, r *http.Request) (string, bool) {
	sourceID := r.PathValue("id")
	for _, src := range h.dispatcher.Sources() {
		if src.ID == sourceID {
			return sourceID, true
		}
	}
	writeError(w, h.logger, http.StatusNotFound, "source_not_found", "Unknown source "+sourceID)
	return "", false
}
