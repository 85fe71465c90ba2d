package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/repository"
)

type Schedule interface {
	Spec() string
	Next() time.Time
}

// StatusInfo is the static part of the status payload.
type StatusInfo struct {
	Destination string   `json:"destination"`
	Sources     int      `json:"sources"`
	ExportURIs  []string `json:"export_uris,omitempty"`
	LoadEnabled bool     `json:"load_enabled"`
}

type StatusHandler struct {
	info     StatusInfo
	pipeline RunStarter
	runs     repository.RunRepository
	schedule Schedule
	logger   zerolog.Logger
}

// NewStatusHandler builds the handler; schedule may be nil.
func NewStatusHandler(info StatusInfo, p RunStarter, runs repository.RunRepository, schedule Schedule, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		info:     info,
		pipeline: p,
		runs:     runs,
		schedule: schedule,
		logger:   logger.With().Str("handler", "status").Logger(),
	}
}

type statusResponse struct {
	StatusInfo
	Running  bool                 `json:"running"`
	LastRun  *models.RunExecution `json:"last_run,omitempty"`
	Schedule string               `json:"schedule,omitempty"`
	NextRun  *time.Time           `json:"next_run,omitempty"`
}

func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		StatusInfo: h.info,
		Running:    h.pipeline.Running(),
	}

	runs, err := h.runs.ListRuns(r.Context(), 1, 0)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load last run")
		writeError(w, http.StatusInternalServerError, "Failed to load status")
		return
	}
	if len(runs) > 0 {
		resp.LastRun = &runs[0]
	}

	if h.schedule != nil {
		resp.Schedule = h.schedule.Spec()
		if next := h.schedule.Next(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
