package warehouse

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/stanstork/bqrunner/internal/jobs"
	"github.com/stanstork/bqrunner/internal/models"
)

const (
	writeTruncate   = "WRITE_TRUNCATE"
	createIfNeeded  = "CREATE_IF_NEEDED"
	defaultPageSize = 1000
)

type Config struct {
	ProjectID         string
	Location          string
	Priority          string
	LegacySQL         bool
	AllowLargeResults bool
	PageSize          int64
	RequestsPerSecond float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.Priority == "" {
		c.Priority = "BATCH"
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Client is the single BigQuery v2 REST client behind the catalog, query and
// export contracts. Every call waits on a shared rate limiter.
type Client struct {
	svc     *bigquery.Service
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger
	newID   func() string
}

func New(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...option.ClientOption) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("warehouse: project id is required")
	}
	svc, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create bigquery service")
	}

	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With().Str("component", "warehouse").Logger(),
		newID:   func() string { return uuid.NewString() },
	}, nil
}

// CredentialsOption picks the service account key file when one is configured
// and falls back to application default credentials otherwise.
func CredentialsOption(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile)}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit")
	}
	return nil
}

func (c *Client) tableRef(t models.TableRef) *bigquery.TableReference {
	return &bigquery.TableReference{ProjectId: c.cfg.ProjectID, DatasetId: t.Dataset, TableId: t.Table}
}

// ListTables returns every table id in dataset, following page tokens.
func (c *Client) ListTables(ctx context.Context, dataset string) ([]string, error) {
	var (
		names []string
		token string
		pages int
	)
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		call := c.svc.Tables.List(c.cfg.ProjectID, dataset).MaxResults(c.cfg.PageSize).Context(ctx)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, errors.Wrapf(err, "list tables in %s", dataset)
		}
		pages++
		for _, t := range page.Tables {
			if t.TableReference != nil {
				names = append(names, t.TableReference.TableId)
			}
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	c.logger.Debug().Str("dataset", dataset).Int("tables", len(names)).Int("pages", pages).Msg("Listed tables")
	return names, nil
}

func (c *Client) TableExists(ctx context.Context, table models.TableRef) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, err := c.svc.Tables.Get(c.cfg.ProjectID, table.Dataset, table.Table).Context(ctx).Do()
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "get table %s", table)
}

func (c *Client) CreateTable(ctx context.Context, table models.TableRef, schema models.Schema) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	body := &bigquery.Table{
		TableReference: c.tableRef(table),
		Schema:         &bigquery.TableSchema{Fields: toFieldSchemas(schema)},
	}
	if _, err := c.svc.Tables.Insert(c.cfg.ProjectID, table.Dataset, body).Context(ctx).Do(); err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}
	return nil
}

func (c *Client) DropTable(ctx context.Context, table models.TableRef) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.svc.Tables.Delete(c.cfg.ProjectID, table.Dataset, table.Table).Context(ctx).Do(); err != nil {
		return errors.Wrapf(err, "delete table %s", table)
	}
	return nil
}

// SubmitQuery inserts a query job that replaces destination with the result,
// creating the table when needed.
func (c *Client) SubmitQuery(ctx context.Context, sql string, destination models.TableRef) (*models.Job, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	legacy := c.cfg.LegacySQL
	job := &bigquery.Job{
		JobReference: &bigquery.JobReference{ProjectId: c.cfg.ProjectID, Location: c.cfg.Location},
		Configuration: &bigquery.JobConfiguration{
			Query: &bigquery.JobConfigurationQuery{
				Query:             sql,
				DestinationTable:  c.tableRef(destination),
				WriteDisposition:  writeTruncate,
				CreateDisposition: createIfNeeded,
				AllowLargeResults: c.cfg.AllowLargeResults,
				Priority:          c.cfg.Priority,
				UseLegacySql:      &legacy,
			},
		},
	}
	inserted, err := c.svc.Jobs.Insert(c.cfg.ProjectID, job).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "insert query job into %s", destination)
	}
	return toJob(inserted, models.JobKindQuery), nil
}

// IsComplete asks for zero rows of the query results, which reports whether
// the job finished without waiting. A failed job surfaces as *jobs.JobError.
func (c *Client) IsComplete(ctx context.Context, job *models.Job) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	call := c.svc.Jobs.GetQueryResults(c.cfg.ProjectID, job.ID).
		StartIndex(0).
		MaxResults(0).
		TimeoutMs(0).
		Context(ctx)
	if loc := jobLocation(job, c.cfg.Location); loc != "" {
		call = call.Location(loc)
	}
	res, err := call.Do()
	if err != nil {
		return false, jobError(err, job.ID, models.JobKindQuery)
	}
	return res.JobComplete, nil
}

// SubmitExport inserts an extract job with id <dataset>-<table>-<uuid>.
func (c *Client) SubmitExport(ctx context.Context, source models.TableRef, uris []string, opts models.ExportOptions) (*models.Job, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	extract := &bigquery.JobConfigurationExtract{
		SourceTable:       c.tableRef(source),
		DestinationUris:   uris,
		Compression:       opts.Compression,
		DestinationFormat: opts.Format,
		FieldDelimiter:    opts.FieldDelimiter,
		PrintHeader:       opts.PrintHeader,
	}
	job := &bigquery.Job{
		JobReference: &bigquery.JobReference{
			ProjectId: c.cfg.ProjectID,
			JobId:     source.Dataset + "-" + source.Table + "-" + c.newID(),
			Location:  c.cfg.Location,
		},
		Configuration: &bigquery.JobConfiguration{Extract: extract},
	}
	inserted, err := c.svc.Jobs.Insert(c.cfg.ProjectID, job).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "insert extract job for %s", source)
	}
	return toJob(inserted, models.JobKindExport), nil
}

// JobStatus fetches the job resource. HTTP errors on the resource are job
// errors; an errorResult is reported on the returned job.
func (c *Client) JobStatus(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	call := c.svc.Jobs.Get(c.cfg.ProjectID, job.ID).Context(ctx)
	if loc := jobLocation(job, c.cfg.Location); loc != "" {
		call = call.Location(loc)
	}
	res, err := call.Do()
	if err != nil {
		return nil, jobError(err, job.ID, job.Kind)
	}
	out := toJob(res, job.Kind)
	out.SubmittedAt = job.SubmittedAt
	return out, nil
}

func jobLocation(job *models.Job, fallback string) string {
	if job.Location != "" {
		return job.Location
	}
	return fallback
}

func toJob(j *bigquery.Job, kind models.JobKind) *models.Job {
	out := &models.Job{Kind: kind, State: models.JobStatePending, SubmittedAt: time.Now().UTC()}
	if j.JobReference != nil {
		out.ID = j.JobReference.JobId
		out.Location = j.JobReference.Location
	}
	if j.Status != nil {
		out.State = mapState(j.Status.State)
		if e := j.Status.ErrorResult; e != nil {
			out.ErrorReason = e.Reason
			out.ErrorMessage = e.Message
			out.State = models.JobStateFailed
		}
	}
	if j.Statistics != nil && j.Statistics.CreationTime > 0 {
		out.SubmittedAt = time.UnixMilli(j.Statistics.CreationTime).UTC()
	}
	return out
}

func mapState(state string) models.JobState {
	switch state {
	case "DONE":
		return models.JobStateDone
	case "RUNNING":
		return models.JobStateRunning
	default:
		return models.JobStatePending
	}
}

func toFieldSchemas(schema models.Schema) []*bigquery.TableFieldSchema {
	out := make([]*bigquery.TableFieldSchema, 0, len(schema))
	for _, f := range schema {
		out = append(out, &bigquery.TableFieldSchema{
			Name:   f.Name,
			Type:   f.Type,
			Mode:   f.Mode,
			Fields: toFieldSchemas(f.Fields),
		})
	}
	return out
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func jobError(err error, jobID string, kind models.JobKind) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return errors.Wrapf(err, "fetch job %s", jobID)
	}
	reason := http.StatusText(gerr.Code)
	if len(gerr.Errors) > 0 && gerr.Errors[0].Reason != "" {
		reason = gerr.Errors[0].Reason
	}
	return &jobs.JobError{JobID: jobID, Kind: kind, Reason: reason, Message: gerr.Message}
}
