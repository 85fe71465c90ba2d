package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanstork/bqrunner/internal/models"
)

// memoryRunRepository keeps run history for the lifetime of the process. It
// is used when no database_url is configured.
type memoryRunRepository struct {
	mu   sync.RWMutex
	runs map[string]models.RunExecution
	now  func() time.Time
}

func NewMemoryRunRepository() RunRepository {
	return &memoryRunRepository{
		runs: make(map[string]models.RunExecution),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryRunRepository) CreateRun(_ context.Context, run models.RunExecution) (models.RunExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Trigger == "" {
		run.Trigger = "manual"
	}
	run.Status = models.RunStatusPending
	run.CreatedAt = r.now()
	run.UpdatedAt = run.CreatedAt
	r.runs[run.ID] = run
	return run, nil
}

func (r *memoryRunRepository) SetRunStarted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := r.now()
	run.Status = models.RunStatusRunning
	run.RunStartedAt = &now
	run.UpdatedAt = now
	r.runs[id] = run
	return nil
}

func optional[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func (r *memoryRunRepository) SetRunComplete(_ context.Context, id string, status models.RunStatus, outcome models.RunOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := r.now()
	run.Status = status
	run.TableStatus = optional(outcome.TableStatus)
	run.QueryJobID = optional(outcome.QueryJobID)
	run.ExportJobID = optional(outcome.ExportJobID)
	run.TablesMatched = &outcome.TablesMatched
	run.ErrorMessage = optional(outcome.ErrorMessage)
	run.LoadedTable = optional(outcome.LoadedTable)
	run.RowsRejected = &outcome.RowsRejected
	run.RunCompletedAt = &now
	run.UpdatedAt = now
	r.runs[id] = run
	return nil
}

func (r *memoryRunRepository) GetRun(_ context.Context, id string) (models.RunExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return models.RunExecution{}, ErrRunNotFound
	}
	return run, nil
}

func (r *memoryRunRepository) ListRuns(_ context.Context, limit, offset int) ([]models.RunExecution, error) {
	r.mu.RLock()
	runs := make([]models.RunExecution, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}
