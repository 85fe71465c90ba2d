package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/models"
)

// QueryService submits query jobs and reports whether they have completed.
// A failed query job surfaces as an error from IsComplete.
type QueryService interface {
	SubmitQuery(ctx context.Context, query string, destination models.TableRef) (*models.Job, error)
	IsComplete(ctx context.Context, job *models.Job) (bool, error)
}

// ExportService submits extract jobs and fetches their current state.
type ExportService interface {
	SubmitExport(ctx context.Context, source models.TableRef, uris []string, opts models.ExportOptions) (*models.Job, error)
	JobStatus(ctx context.Context, job *models.Job) (*models.Job, error)
}

// PollPolicy bounds a poll loop. A zero Timeout disables the limit.
type PollPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
}

var (
	DefaultQueryPolicy  = PollPolicy{Interval: 5 * time.Second, Timeout: 24 * time.Hour}
	DefaultExportPolicy = PollPolicy{Interval: 5 * time.Second, Timeout: 300 * time.Second}
)

func (p PollPolicy) withDefaults(def PollPolicy) PollPolicy {
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.Timeout < 0 {
		p.Timeout = def.Timeout
	}
	return p
}

func (p PollPolicy) expired(elapsed time.Duration) bool {
	return p.Timeout > 0 && elapsed > p.Timeout
}

type Option func(*Coordinator)

func WithQueryPolicy(p PollPolicy) Option {
	return func(c *Coordinator) { c.queryPolicy = p.withDefaults(DefaultQueryPolicy) }
}

func WithExportPolicy(p PollPolicy) Option {
	return func(c *Coordinator) { c.exportPolicy = p.withDefaults(DefaultExportPolicy) }
}

// WithClock replaces the wall clock and the sleep used between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.now = now
		c.sleep = sleep
	}
}

// Coordinator drives a job through Submitted -> Polling -> Done|Failed.
// It keeps no state between calls.
type Coordinator struct {
	queries      QueryService
	exports      ExportService
	queryPolicy  PollPolicy
	exportPolicy PollPolicy
	logger       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(queries QueryService, exports ExportService, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		queries:      queries,
		exports:      exports,
		queryPolicy:  DefaultQueryPolicy,
		exportPolicy: DefaultExportPolicy,
		logger:       logger.With().Str("component", "job_coordinator").Logger(),
		now:          time.Now,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) QueryPolicy() PollPolicy  { return c.queryPolicy }
func (c *Coordinator) ExportPolicy() PollPolicy { return c.exportPolicy }

// SubmitQuery starts an asynchronous query job writing into destination.
func (c *Coordinator) SubmitQuery(ctx context.Context, query string, destination models.TableRef) (*models.Job, error) {
	job, err := c.queries.SubmitQuery(ctx, query, destination)
	if err != nil {
		return nil, errors.Wrapf(err, "submit query into %s", destination)
	}
	c.logger.Info().Str("job_id", job.ID).Str("destination", destination.String()).Msg("Query job submitted")
	return job, nil
}

// AwaitCompletion checks the query job and sleeps between checks until it
// completes, the completion check fails or the query policy timeout elapses.
func (c *Coordinator) AwaitCompletion(ctx context.Context, job *models.Job) (*models.Job, error) {
	start := c.now()
	polls := 0
	for {
		polls++
		complete, err := c.queries.IsComplete(ctx, job)
		if err != nil {
			return nil, errors.Wrapf(err, "check query job %s", job.ID)
		}
		if complete {
			done := *job
			done.State = models.JobStateDone
			c.logger.Info().Str("job_id", job.ID).Int("polls", polls).Dur("elapsed", c.now().Sub(start)).Msg("Query job finished")
			return &done, nil
		}

		elapsed := c.now().Sub(start)
		if c.queryPolicy.expired(elapsed) {
			return nil, &TimeoutError{JobID: job.ID, Kind: models.JobKindQuery, Elapsed: elapsed, Timeout: c.queryPolicy.Timeout}
		}
		c.logger.Debug().Str("job_id", job.ID).Int("polls", polls).Msg("Query job still running")

		if err := c.sleep(ctx, c.queryPolicy.Interval); err != nil {
			return nil, errors.Wrapf(err, "wait for query job %s", job.ID)
		}
	}
}

// SubmitExport starts an extract job from source into uris.
func (c *Coordinator) SubmitExport(ctx context.Context, source models.TableRef, uris []string, opts models.ExportOptions) (*models.Job, error) {
	if len(uris) == 0 {
		return nil, ErrNoURIs
	}
	job, err := c.exports.SubmitExport(ctx, source, uris, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "submit export of %s", source)
	}
	c.logger.Info().Str("job_id", job.ID).Str("source", source.String()).Strs("uris", uris).Msg("Export job submitted")
	return job, nil
}

// AwaitWithTimeout sleeps one interval, fetches the job and repeats until it
// is DONE. An explicit job error is returned immediately as *JobError; a job
// not DONE once the export policy timeout elapses yields *TimeoutError.
func (c *Coordinator) AwaitWithTimeout(ctx context.Context, job *models.Job) (*models.Job, error) {
	start := c.now()
	polls := 0
	for {
		if err := c.sleep(ctx, c.exportPolicy.Interval); err != nil {
			return nil, errors.Wrapf(err, "wait for export job %s", job.ID)
		}
		polls++

		status, err := c.exports.JobStatus(ctx, job)
		if err != nil {
			var jerr *JobError
			if errors.As(err, &jerr) {
				return nil, jerr
			}
			return nil, errors.Wrapf(err, "fetch export job %s", job.ID)
		}
		if status.Failed() {
			return nil, &JobError{JobID: job.ID, Kind: models.JobKindExport, Reason: status.ErrorReason, Message: status.ErrorMessage}
		}
		if status.Done() {
			c.logger.Info().Str("job_id", job.ID).Int("polls", polls).Dur("elapsed", c.now().Sub(start)).Msg("Export job finished")
			return status, nil
		}

		elapsed := c.now().Sub(start)
		if c.exportPolicy.expired(elapsed) {
			c.logger.Error().Str("job_id", job.ID).Dur("elapsed", elapsed).Msg("Export job timeout")
			return nil, &TimeoutError{JobID: job.ID, Kind: models.JobKindExport, Elapsed: elapsed, Timeout: c.exportPolicy.Timeout}
		}
		c.logger.Debug().Str("job_id", job.ID).Str("state", string(status.State)).Int("polls", polls).Msg("Export job still running")
	}
}
