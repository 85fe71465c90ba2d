package pipeline

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/engine"
	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/notification"
	"github.com/stanstork/bqrunner/internal/repository"
	"github.com/stanstork/bqrunner/internal/runner"
)

var (
	ErrRunInProgress   = errors.New("a run is already in progress")
	ErrLoadUnavailable = errors.New("load requested but not configured")
	ErrInvalidOptions  = errors.New("invalid run options")
)

type CoreRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

type Transfer interface {
	Download(ctx context.Context, uri, dst string) (int64, error)
	Delete(ctx context.Context, uri string) error
}

type BulkLoader interface {
	Load(ctx context.Context, opts engine.CopyOptions, dedupe bool) (*engine.LoadResult, error)
}

// LoadTarget is where the exported file lands locally and which table it is
// copied into.
type LoadTarget struct {
	File       string
	Table      string
	Columns    []string
	Skip       int
	Enclosure  string
	Delimiter  string
	Terminator string
	Gzip       bool
}

// Options are the per-run switches.
type Options struct {
	Range      daterange.Range
	DropBefore bool
	Load       bool
	Truncate   bool
	Dedupe     bool
	Trigger    string
}

// Validate checks that the switches are consistent with each other.
func (o Options) Validate() error {
	if (o.Truncate || o.Dedupe) && !o.Load {
		return errors.Wrap(ErrInvalidOptions, "truncate and dedupe require load")
	}
	return nil
}

type Outcome struct {
	Run        models.RunExecution
	Result     *runner.Result
	Downloaded int64
	Load       *engine.LoadResult
}

type Pipeline struct {
	core     CoreRunner
	runs     repository.RunRepository
	notify   notification.Service
	base     runner.Request
	transfer Transfer
	loader   BulkLoader
	target   LoadTarget
	logger   zerolog.Logger
	remove   func(string) error

	running atomic.Bool
	wg      sync.WaitGroup
}

type Option func(*Pipeline)

// WithLoad enables the download and bulk-load stages.
func WithLoad(transfer Transfer, loader BulkLoader, target LoadTarget) Option {
	return func(p *Pipeline) {
		p.transfer = transfer
		p.loader = loader
		p.target = target
	}
}

// New builds a pipeline. base carries the destination, export URIs and
// export options shared by every run; range and drop flag come per run.
func New(core CoreRunner, runs repository.RunRepository, notify notification.Service, base runner.Request, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		core:   core,
		runs:   runs,
		notify: notify,
		base:   base,
		logger: logger.With().Str("component", "pipeline").Logger(),
		remove: os.Remove,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether a run currently holds the pipeline.
func (p *Pipeline) Running() bool { return p.running.Load() }

// LoadConfigured reports whether runs may ask for the load stages.
func (p *Pipeline) LoadConfigured() bool { return p.transfer != nil && p.loader != nil }

func (p *Pipeline) acquire() error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	return nil
}

func (p *Pipeline) release() { p.running.Store(false) }

func (p *Pipeline) check(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.Range.Empty() {
		return errors.Wrapf(ErrInvalidOptions, "date range %s has no days", opts.Range)
	}
	if opts.Load && !p.LoadConfigured() {
		return ErrLoadUnavailable
	}
	if opts.Load && len(p.base.URIs) != 1 {
		return errors.Wrapf(ErrLoadUnavailable, "load needs exactly one export uri, have %d", len(p.base.URIs))
	}
	if opts.Load && strings.Contains(p.base.URIs[0], "*") {
		return errors.Wrapf(ErrLoadUnavailable, "cannot download wildcard uri %s", p.base.URIs[0])
	}
	if opts.Load && len(p.target.Columns) == 0 {
		return errors.Wrap(ErrLoadUnavailable, "no copy columns defined for the vertica table")
	}
	return nil
}

func (p *Pipeline) create(ctx context.Context, opts Options) (models.RunExecution, error) {
	trigger := opts.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	run, err := p.runs.CreateRun(ctx, models.RunExecution{
		StartDate:   opts.Range.Start(),
		EndDate:     opts.Range.End(),
		Destination: p.base.Destination.String(),
		Trigger:     trigger,
	})
	return run, errors.Wrap(err, "record run")
}

// Execute runs the whole pipeline and blocks until it finishes.
func (p *Pipeline) Execute(ctx context.Context, opts Options) (*Outcome, error) {
	if err := p.check(opts); err != nil {
		return nil, err
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	run, err := p.create(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, run, opts)
}

// Start records a pending run and executes it in the background. ctx bounds
// the background work, so it should outlive the caller's request.
func (p *Pipeline) Start(ctx context.Context, opts Options) (models.RunExecution, error) {
	if err := p.check(opts); err != nil {
		return models.RunExecution{}, err
	}
	if err := p.acquire(); err != nil {
		return models.RunExecution{}, err
	}

	run, err := p.create(ctx, opts)
	if err != nil {
		p.release()
		return models.RunExecution{}, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		if _, err := p.execute(ctx, run, opts); err != nil {
			p.logger.Error().Err(err).Str("run_id", run.ID).Msg("Run failed")
		}
	}()
	return run, nil
}

// Wait blocks until every background run has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) execute(ctx context.Context, run models.RunExecution, opts Options) (*Outcome, error) {
	log := p.logger.With().Str("run_id", run.ID).Str("range", opts.Range.String()).Logger()
	started := time.Now()

	if err := p.runs.SetRunStarted(ctx, run.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark run as running")
	}
	run.Status = models.RunStatusRunning
	if err := p.notify.NotifyRunStarted(ctx, run); err != nil {
		log.Warn().Err(err).Msg("Failed to publish run started")
	}

	out := &Outcome{Run: run}
	var outcome models.RunOutcome
	err := p.stages(ctx, log, opts, out, &outcome)

	// History must be written even when ctx was cancelled mid-run.
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		outcome.ErrorMessage = err.Error()
		out.Run.Status = models.RunStatusFailed
		if rerr := p.runs.SetRunComplete(finishCtx, run.ID, models.RunStatusFailed, outcome); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to record run failure")
		}
		if nerr := p.notify.NotifyRunFailed(finishCtx, run, err.Error()); nerr != nil {
			log.Warn().Err(nerr).Msg("Failed to publish run failed")
		}
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("Pipeline failed")
		return out, err
	}

	out.Run.Status = models.RunStatusSucceeded
	if rerr := p.runs.SetRunComplete(finishCtx, run.ID, models.RunStatusSucceeded, outcome); rerr != nil {
		log.Warn().Err(rerr).Msg("Failed to record run success")
	}
	if nerr := p.notify.NotifyRunSucceeded(finishCtx, run, outcome); nerr != nil {
		log.Warn().Err(nerr).Msg("Failed to publish run succeeded")
	}
	log.Info().Dur("elapsed", time.Since(started)).Msg("Pipeline finished")
	return out, nil
}

func (p *Pipeline) stages(ctx context.Context, log zerolog.Logger, opts Options, out *Outcome, outcome *models.RunOutcome) error {
	req := p.base
	req.Range = opts.Range
	req.DropBefore = opts.DropBefore

	res, err := p.core.Run(ctx, req)
	if err != nil {
		return err
	}
	out.Result = res
	outcome.TableStatus = string(res.TableStatus)
	outcome.TablesMatched = int64(res.TablesMatched)
	if res.QueryJob != nil {
		outcome.QueryJobID = res.QueryJob.ID
	}
	if res.ExportJob != nil {
		outcome.ExportJobID = res.ExportJob.ID
	}

	if !opts.Load {
		return nil
	}

	uri := p.base.URIs[0]
	local := p.localFile(uri)
	n, err := p.transfer.Download(ctx, uri, local)
	if err != nil {
		return errors.Wrap(err, "download export")
	}
	out.Downloaded = n
	log.Info().Str("uri", uri).Str("file", local).Int64("bytes", n).Msg("Export downloaded")

	if err := p.transfer.Delete(ctx, uri); err != nil {
		return errors.Wrap(err, "delete exported object")
	}

	load, err := p.loader.Load(ctx, engine.CopyOptions{
		Table:      p.target.Table,
		Columns:    p.target.Columns,
		File:       local,
		Skip:       p.target.Skip,
		Enclosure:  p.target.Enclosure,
		Delimiter:  p.target.Delimiter,
		Terminator: p.target.Terminator,
		Gzip:       p.target.Gzip,
		Truncate:   opts.Truncate,
	}, opts.Dedupe)
	if err != nil {
		return err
	}
	out.Load = load
	outcome.LoadedTable = p.target.Table
	outcome.RowsRejected = int64(load.Rejected)

	if err := p.remove(local); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", local).Msg("Failed to remove local export")
	}
	return nil
}

// localFile is the configured destination file, or the object's base name in
// the temp directory when none is configured.
func (p *Pipeline) localFile(uri string) string {
	if p.target.File != "" {
		return p.target.File
	}
	name := path.Base(strings.TrimPrefix(uri, "gs://"))
	return filepath.Join(os.TempDir(), name)
}
