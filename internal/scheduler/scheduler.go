package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/pipeline"
)

const TriggerSchedule = "schedule"

type Trigger interface {
	Start(ctx context.Context, opts pipeline.Options) (models.RunExecution, error)
}

// Scheduler fires the pipeline on a cron schedule with the default range
// (yesterday to today).
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	trigger  Trigger
	defaults pipeline.Options
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entryID cron.EntryID
}

// New validates spec, a standard five field cron expression. defaults carries
// the load switches applied to every scheduled run.
func New(spec string, trigger Trigger, defaults pipeline.Options, logger zerolog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", spec)
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cronLogger{logger: logger})),
		schedule: schedule,
		spec:     spec,
		trigger:  trigger,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start registers the job and starts the cron loop. Scheduled runs execute
// under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.entryID = s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.Fire(ctx) }))
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Str("schedule", s.spec).Time("next", s.Next()).Msg("Scheduler started")
}

// Stop stops the cron loop. The returned context is done once running jobs
// have returned.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info().Msg("Scheduler stopped")
	return ctx
}

func (s *Scheduler) Spec() string { return s.spec }

// Next is the next activation time, zero before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Fire triggers one run. A run still in progress makes this activation a
// no-op.
func (s *Scheduler) Fire(ctx context.Context) {
	start, end := daterange.Default(s.now())
	r, err := daterange.Parse(start, end)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build default range")
		return
	}
	opts := s.defaults
	opts.Range = r
	opts.Trigger = TriggerSchedule

	run, err := s.trigger.Start(ctx, opts)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Warn().Str("range", r.String()).Msg("Previous run still in progress, skipping")
	case err != nil:
		s.logger.Error().Err(err).Str("range", r.String()).Msg("Scheduled trigger failed")
	default:
		s.logger.Info().Str("run_id", run.ID).Str("range", r.String()).Msg("Scheduled run started")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
