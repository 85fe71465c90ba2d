package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/pipeline"
	"github.com/stanstork/bqrunner/internal/repository"
)

const TriggerAPI = "api"

type RunStarter interface {
	Start(ctx context.Context, opts pipeline.Options) (models.RunExecution, error)
	Running() bool
}

type RunHandler struct {
	pipeline RunStarter
	runs     repository.RunRepository
	// runs started over HTTP outlive the request, so they execute under baseCtx
	baseCtx context.Context
	logger  zerolog.Logger
	now     func() time.Time
}

func NewRunHandler(baseCtx context.Context, p RunStarter, runs repository.RunRepository, logger zerolog.Logger) *RunHandler {
	return &RunHandler{
		pipeline: p,
		runs:     runs,
		baseCtx:  baseCtx,
		logger:   logger.With().Str("handler", "run").Logger(),
		now:      time.Now,
	}
}

type createRunRequest struct {
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	DropBefore bool   `json:"drop_before"`
	Load       bool   `json:"load"`
	Truncate   bool   `json:"truncate"`
	Dedupe     bool   `json:"dedupe"`
}

// CreateRun starts a run in the background and answers 202 with the pending
// run record.
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	defStart, defEnd := daterange.Default(h.now())
	if req.StartDate == "" {
		req.StartDate = defStart
	}
	if req.EndDate == "" {
		req.EndDate = defEnd
	}
	rng, err := daterange.Parse(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rng.Empty() {
		writeError(w, http.StatusBadRequest, "start_date must not be after end_date")
		return
	}

	opts := pipeline.Options{
		Range:      rng,
		DropBefore: req.DropBefore,
		Load:       req.Load,
		Truncate:   req.Truncate,
		Dedupe:     req.Dedupe,
		Trigger:    TriggerAPI,
	}
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.pipeline.Start(h.baseCtx, opts)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pipeline.ErrLoadUnavailable), errors.Is(err, pipeline.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to start run")
		writeError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	h.logger.Info().Str("run_id", run.ID).Str("range", rng.String()).Msg("run accepted")
	writeJSON(w, http.StatusAccepted, run)
}

func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 20)
	if limit == 0 || limit > 200 {
		limit = 20
	}
	offset := intParam(r, "offset", 0)

	runs, err := h.runs.ListRuns(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list runs")
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.RunExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	run, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, repository.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", runID).Msg("failed to get run")
		writeError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
