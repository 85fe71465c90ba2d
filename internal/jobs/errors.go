package jobs

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/stanstork/bqrunner/internal/models"
)

var (
	ErrJobFailed  = errors.New("job failed")
	ErrJobTimeout = errors.New("job timed out")
	ErrNoURIs     = errors.New("export requires at least one destination uri")
)

// JobError is an explicit failure reported by the warehouse for a job, either
// an HTTP-level error on the job resource or a populated errorResult.
type JobError struct {
	JobID   string
	Kind    models.JobKind
	Reason  string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s job %s failed: reason: %s, message: %s", e.Kind, e.JobID, e.Reason, e.Message)
}

func (e *JobError) Is(target error) bool { return target == ErrJobFailed }

// TimeoutError is returned when a job is still not DONE after its poll policy
// timeout has elapsed.
type TimeoutError struct {
	JobID   string
	Kind    models.JobKind
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s job %s not done after %s (timeout %s)", e.Kind, e.JobID, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrJobTimeout }
