package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/provision"
	"github.com/stanstork/bqrunner/internal/query"
)

var (
	ErrNoMatchingTables = errors.New("no source table matched the date range")
	ErrInvalidRequest   = errors.New("invalid run request")
)

type Provisioner interface {
	Ensure(ctx context.Context, destination models.TableRef, schema models.Schema, dropBefore bool) (provision.Status, error)
}

type Composer interface {
	Compose(ctx context.Context, sources models.SourceMap, r daterange.Range) (*query.Composition, error)
}

type Coordinator interface {
	SubmitQuery(ctx context.Context, sql string, destination models.TableRef) (*models.Job, error)
	AwaitCompletion(ctx context.Context, job *models.Job) (*models.Job, error)
	SubmitExport(ctx context.Context, source models.TableRef, uris []string, opts models.ExportOptions) (*models.Job, error)
	AwaitWithTimeout(ctx context.Context, job *models.Job) (*models.Job, error)
}

// Plan is the static part of a run: where the data comes from and what the
// destination looks like.
type Plan struct {
	Sources  models.SourceMap
	Schema   models.Schema
	Template string
}

// Request is one invocation of the runner.
type Request struct {
	Range       daterange.Range
	Destination models.TableRef
	DropBefore  bool
	URIs        []string
	Export      models.ExportOptions
}

func (r Request) validate() error {
	if r.Destination.Dataset == "" || r.Destination.Table == "" {
		return errors.Wrap(ErrInvalidRequest, "destination dataset and table are required")
	}
	if r.Range.Empty() {
		return errors.Wrapf(ErrInvalidRequest, "date range %s has no days", r.Range)
	}
	for _, uri := range r.URIs {
		if strings.TrimSpace(uri) == "" {
			return errors.Wrap(ErrInvalidRequest, "empty destination uri")
		}
	}
	return nil
}

type Result struct {
	Range         string               `json:"range"`
	Destination   string               `json:"destination"`
	TableStatus   provision.Status     `json:"table_status"`
	TablesMatched int                  `json:"tables_matched"`
	Sources       []query.SourceTables `json:"sources"`
	Query         string               `json:"query"`
	QueryJob      *models.Job          `json:"query_job"`
	ExportJob     *models.Job          `json:"export_job,omitempty"`
	URIs          []string             `json:"uris,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
}

// Exported reports whether the export stage ran.
func (r *Result) Exported() bool { return r.ExportJob != nil }

type Runner struct {
	provisioner Provisioner
	composer    Composer
	jobs        Coordinator
	plan        Plan
	logger      zerolog.Logger
	now         func() time.Time
}

func New(provisioner Provisioner, composer Composer, jobs Coordinator, plan Plan, logger zerolog.Logger) *Runner {
	return &Runner{
		provisioner: provisioner,
		composer:    composer,
		jobs:        jobs,
		plan:        plan,
		logger:      logger.With().Str("component", "runner").Logger(),
		now:         time.Now,
	}
}

// Run provisions the destination, composes and executes the union query and
// exports the destination when URIs are configured. The first failing stage
// aborts the run; nothing already done is rolled back.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Range:       req.Range.String(),
		Destination: req.Destination.String(),
		URIs:        req.URIs,
		StartedAt:   r.now(),
	}
	log := r.logger.With().Str("destination", res.Destination).Str("range", res.Range).Logger()

	status, err := r.provisioner.Ensure(ctx, req.Destination, r.plan.Schema, req.DropBefore)
	if err != nil {
		return nil, errors.Wrap(err, "provision destination")
	}
	res.TableStatus = status
	log.Info().Str("status", string(status)).Msg("Destination table ready")

	comp, err := r.composer.Compose(ctx, r.plan.Sources, req.Range)
	if err != nil {
		return nil, errors.Wrap(err, "compose query")
	}
	if comp.Empty() {
		return nil, errors.Wrapf(ErrNoMatchingTables, "%d sources, %s", len(r.plan.Sources), res.Range)
	}
	res.Query = comp.Query
	res.Sources = comp.Sources
	res.TablesMatched = comp.TableCount()
	log.Info().Int("tables", res.TablesMatched).Msg("Query created")

	job, err := r.jobs.SubmitQuery(ctx, comp.Query, req.Destination)
	if err != nil {
		return nil, err
	}
	log.Info().Str("start", req.Range.Start()).Str("end", req.Range.End()).Str("job_id", job.ID).Msg("Executing query")
	if job, err = r.jobs.AwaitCompletion(ctx, job); err != nil {
		return nil, err
	}
	res.QueryJob = job
	log.Info().Str("job_id", job.ID).Msg("Query successful")

	if len(req.URIs) == 0 {
		log.Info().Msg("No destination uris, skipping export")
		res.FinishedAt = r.now()
		return res, nil
	}

	export, err := r.jobs.SubmitExport(ctx, req.Destination, req.URIs, req.Export)
	if err != nil {
		return nil, err
	}
	if export, err = r.jobs.AwaitWithTimeout(ctx, export); err != nil {
		return nil, err
	}
	res.ExportJob = export
	res.FinishedAt = r.now()
	log.Info().Strs("uris", req.URIs).Msg("Data exported to cloud storage")
	return res, nil
}

// Describe renders the configured range, destination and template for
// diagnostics.
func (r *Runner) Describe(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Start Date: %s\n", req.Range.Start())
	fmt.Fprintf(&b, "End Date: %s\n", req.Range.End())
	fmt.Fprintf(&b, "Destination table: %s\n", req.Destination)
	fmt.Fprintf(&b, "Sources: %d\n", len(r.plan.Sources))
	for _, key := range r.plan.Sources.Keys() {
		fmt.Fprintf(&b, "  %s => %s\n", key, r.plan.Sources[key])
	}
	if len(req.URIs) > 0 {
		fmt.Fprintf(&b, "Export: %s\n", strings.Join(req.URIs, ", "))
	}
	fmt.Fprintf(&b, "Query Template:\n%s\n", r.plan.Template)
	return b.String()
}
