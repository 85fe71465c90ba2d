package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunExecution is the history record of one pipeline run.
type RunExecution struct {
	ID             string     `json:"id" db:"id"`
	StartDate      string     `json:"start_date" db:"start_date"`
	EndDate        string     `json:"end_date" db:"end_date"`
	Destination    string     `json:"destination" db:"destination"`
	Trigger        string     `json:"trigger" db:"trigger"`
	Status         RunStatus  `json:"status" db:"status"`
	TableStatus    *string    `json:"table_status,omitempty" db:"table_status"`
	QueryJobID     *string    `json:"query_job_id,omitempty" db:"query_job_id"`
	ExportJobID    *string    `json:"export_job_id,omitempty" db:"export_job_id"`
	TablesMatched  *int64     `json:"tables_matched,omitempty" db:"tables_matched"`
	ErrorMessage   *string    `json:"error_message,omitempty" db:"error_message"`
	LoadedTable    *string    `json:"loaded_table,omitempty" db:"loaded_table"`
	RowsRejected   *int64     `json:"rows_rejected,omitempty" db:"rows_rejected"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	RunStartedAt   *time.Time `json:"run_started_at,omitempty" db:"run_started_at"`
	RunCompletedAt *time.Time `json:"run_completed_at,omitempty" db:"run_completed_at"`
}

// RunOutcome carries the fields filled in when a run reaches a terminal state.
type RunOutcome struct {
	TableStatus   string
	QueryJobID    string
	ExportJobID   string
	TablesMatched int64
	LoadedTable   string
	RowsRejected  int64
	ErrorMessage  string
}

// Terminal reports whether the run has finished one way or the other.
func (r RunExecution) Terminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed
}
