package models

import "time"

type JobKind string

const (
	JobKindQuery  JobKind = "query"
	JobKindExport JobKind = "export"
)

type JobState string

const (
	JobStatePending JobState = "PENDING"
	JobStateRunning JobState = "RUNNING"
	JobStateDone    JobState = "DONE"
	JobStateFailed  JobState = "FAILED"
)

// Job is a handle to an asynchronous warehouse job. It only lives for the
// duration of one poll loop and is never persisted.
type Job struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	State        JobState  `json:"state"`
	Location     string    `json:"location,omitempty"`
	ErrorReason  string    `json:"error_reason,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

func (j *Job) Done() bool { return j.State == JobStateDone }

func (j *Job) Failed() bool { return j.State == JobStateFailed || j.ErrorReason != "" || j.ErrorMessage != "" }

// ExportOptions controls how a table is extracted to object storage.
type ExportOptions struct {
	Compression    string `json:"compression,omitempty"`
	Format         string `json:"format,omitempty"`
	PrintHeader    *bool  `json:"print_header,omitempty"`
	FieldDelimiter string `json:"field_delimiter,omitempty"`
}
