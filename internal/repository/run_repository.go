package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/stanstork/bqrunner/internal/models"
)

var ErrRunNotFound = errors.New("run not found")

// RunRepository stores the history of pipeline runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run models.RunExecution) (models.RunExecution, error)
	SetRunStarted(ctx context.Context, id string) error
	SetRunComplete(ctx context.Context, id string, status models.RunStatus, outcome models.RunOutcome) error
	GetRun(ctx context.Context, id string) (models.RunExecution, error)
	ListRuns(ctx context.Context, limit, offset int) ([]models.RunExecution, error)
}

type runRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) RunRepository {
	return &runRepository{db: db}
}

const runColumns = `
	id, to_char(start_date, 'YYYY-MM-DD'), to_char(end_date, 'YYYY-MM-DD'), destination, trigger, status,
	table_status, query_job_id, export_job_id, tables_matched, error_message, loaded_table, rows_rejected,
	created_at, updated_at, run_started_at, run_completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (models.RunExecution, error) {
	var run models.RunExecution
	err := s.Scan(
		&run.ID,
		&run.StartDate,
		&run.EndDate,
		&run.Destination,
		&run.Trigger,
		&run.Status,
		&run.TableStatus,
		&run.QueryJobID,
		&run.ExportJobID,
		&run.TablesMatched,
		&run.ErrorMessage,
		&run.LoadedTable,
		&run.RowsRejected,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.RunStartedAt,
		&run.RunCompletedAt,
	)
	return run, err
}

func (r *runRepository) CreateRun(ctx context.Context, run models.RunExecution) (models.RunExecution, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Trigger == "" {
		run.Trigger = "manual"
	}
	run.Status = models.RunStatusPending

	query := `
		INSERT INTO bqrunner.run_executions (id, start_date, end_date, destination, trigger, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		run.ID,
		run.StartDate,
		run.EndDate,
		run.Destination,
		run.Trigger,
		run.Status,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	return run, err
}

func (r *runRepository) SetRunStarted(ctx context.Context, id string) error {
	query := `
		UPDATE bqrunner.run_executions
		SET status = $2, run_started_at = now(), updated_at = now()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, models.RunStatusRunning)
}

func (r *runRepository) SetRunComplete(ctx context.Context, id string, status models.RunStatus, outcome models.RunOutcome) error {
	query := `
		UPDATE bqrunner.run_executions
		SET status = $2,
			table_status = NULLIF($3, ''),
			query_job_id = NULLIF($4, ''),
			export_job_id = NULLIF($5, ''),
			tables_matched = $6,
			error_message = NULLIF($7, ''),
			loaded_table = NULLIF($8, ''),
			rows_rejected = $9,
			run_completed_at = now(),
			updated_at = now()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, status,
		outcome.TableStatus,
		outcome.QueryJobID,
		outcome.ExportJobID,
		outcome.TablesMatched,
		outcome.ErrorMessage,
		outcome.LoadedTable,
		outcome.RowsRejected,
	)
}

func (r *runRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *runRepository) GetRun(ctx context.Context, id string) (models.RunExecution, error) {
	query := `SELECT ` + runColumns + `
		FROM bqrunner.run_executions
		WHERE id = $1
	`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrRunNotFound
	}
	return run, err
}

func (r *runRepository) ListRuns(ctx context.Context, limit, offset int) ([]models.RunExecution, error) {
	query := `SELECT ` + runColumns + `
		FROM bqrunner.run_executions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunExecution
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
