package app

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/stanstork/bqrunner/internal/blob"
	"github.com/stanstork/bqrunner/internal/config"
	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/engine"
	"github.com/stanstork/bqrunner/internal/handlers"
	"github.com/stanstork/bqrunner/internal/jobs"
	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/notification"
	"github.com/stanstork/bqrunner/internal/pipeline"
	"github.com/stanstork/bqrunner/internal/provision"
	"github.com/stanstork/bqrunner/internal/query"
	"github.com/stanstork/bqrunner/internal/querydef"
	"github.com/stanstork/bqrunner/internal/repository"
	"github.com/stanstork/bqrunner/internal/runner"
	"github.com/stanstork/bqrunner/internal/warehouse"
)

// App holds the wired components for one process.
type App struct {
	Config        *config.Config
	Definition    *querydef.Definition
	Runner        *runner.Runner
	Pipeline      *pipeline.Pipeline
	Runs          repository.RunRepository
	Notifications notification.Service

	logger  zerolog.Logger
	closers []func() error
}

type buildOptions struct {
	clientOpts []option.ClientOption
}

type Option func(*buildOptions)

// WithClientOptions replaces the credentials derived from the config.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(b *buildOptions) { b.clientOpts = opts }
}

// Build wires the warehouse client, run history, notifications and, when the
// config enables it, the download and bulk-load stages.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	bo := &buildOptions{clientOpts: warehouse.CredentialsOption(cfg.Connection.CredentialsFile)}
	for _, opt := range opts {
		opt(bo)
	}

	def, err := querydef.Load(cfg.BigQuery.TemplateFile)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Definition: def, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	client, err := warehouse.New(ctx, WarehouseConfig(cfg), logger, bo.clientOpts...)
	if err != nil {
		return nil, err
	}
	composer, err := query.NewComposer(client, def.Matcher, def.Template, def.Final, logger,
		query.WithConcurrency(cfg.BigQuery.DiscoveryConcurrency))
	if err != nil {
		return nil, err
	}
	coordinator := jobs.NewCoordinator(client, client, logger,
		jobs.WithQueryPolicy(jobs.PollPolicy{Interval: cfg.BigQuery.QueryPollInterval, Timeout: cfg.BigQuery.QueryTimeout}),
		jobs.WithExportPolicy(jobs.PollPolicy{Interval: cfg.BigQuery.ExportPollInterval, Timeout: cfg.BigQuery.ExportTimeout}),
	)
	a.Runner = runner.New(provision.NewProvisioner(client, logger), composer, coordinator, Plan(def), logger)

	db, err := a.database()
	if err != nil {
		return nil, err
	}
	var notifications repository.NotificationRepository
	if db != nil {
		a.Runs = repository.NewRunRepository(db)
		notifications = repository.NewNotificationRepository(db)
	} else {
		a.logger.Info().Msg("No database_url configured, keeping run history in memory")
		a.Runs = repository.NewMemoryRunRepository()
	}
	if a.Notifications, err = Notifications(cfg, notifications, logger); err != nil {
		return nil, err
	}

	var popts []pipeline.Option
	if cfg.LoadEnabled() {
		load, err := a.loadStages(ctx)
		if err != nil {
			return nil, err
		}
		popts = append(popts, load)
	}
	a.Pipeline = pipeline.New(a.Runner, a.Runs, a.Notifications, BaseRequest(cfg), logger, popts...)

	ok = true
	return a, nil
}

// Close releases database and storage clients.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// database opens the history database, or returns nil when none is configured.
func (a *App) database() (*sql.DB, error) {
	if a.Config.DatabaseURL == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", a.Config.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to the database")
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

func (a *App) loadStages(ctx context.Context) (pipeline.Option, error) {
	cfg := a.Config
	store, err := blob.NewGCSStore(ctx, cfg.Connection.CredentialsFile)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	var execRunner engine.Runner
	container := ""
	if cfg.Loader.Mode == "docker" {
		if execRunner, err = engine.NewDockerRunnerFromEnv(); err != nil {
			return nil, err
		}
		container = cfg.Loader.Container
	} else {
		execRunner = engine.NewLocalRunner()
	}

	loader := engine.NewLoader(execRunner, container, LoaderConnection(cfg.Loader), a.logger)
	loader.Bin = cfg.Loader.Binary
	loader.TempDir = cfg.Loader.TempDir
	loader.Timeout = cfg.Loader.Timeout

	return pipeline.WithLoad(blob.NewTransfer(store, a.logger), loader, Target(cfg, a.Definition)), nil
}

// StatusInfo is what /api/status reports about the configuration.
func (a *App) StatusInfo() handlers.StatusInfo {
	return handlers.StatusInfo{
		Destination: DestinationTable(a.Config).String(),
		Sources:     len(a.Definition.Sources),
		ExportURIs:  BaseRequest(a.Config).URIs,
		LoadEnabled: a.Pipeline.LoadConfigured(),
	}
}

func WarehouseConfig(cfg *config.Config) warehouse.Config {
	return warehouse.Config{
		ProjectID:         cfg.Connection.ProjectID,
		Location:          cfg.BigQuery.Location,
		Priority:          cfg.BigQuery.Priority,
		LegacySQL:         cfg.BigQuery.LegacySQL == nil || *cfg.BigQuery.LegacySQL,
		AllowLargeResults: true,
		RequestsPerSecond: cfg.BigQuery.RequestsPerSecond,
	}
}

func DestinationTable(cfg *config.Config) models.TableRef {
	return models.TableRef{Dataset: cfg.BigQuery.Dataset, Table: cfg.BigQuery.Table}
}

// BaseRequest is the part of every run request fixed by the config.
func BaseRequest(cfg *config.Config) runner.Request {
	req := runner.Request{
		Destination: DestinationTable(cfg),
		Export: models.ExportOptions{
			Compression:    cfg.Export.Compression,
			Format:         cfg.Export.Format,
			PrintHeader:    cfg.Export.PrintHeader,
			FieldDelimiter: cfg.Export.FieldDelimiter,
		},
	}
	if uri := cfg.Storage.URI(); uri != "" {
		req.URIs = []string{uri}
	}
	return req
}

// Request is BaseRequest for one range.
func Request(cfg *config.Config, r daterange.Range, dropBefore bool) runner.Request {
	req := BaseRequest(cfg)
	req.Range = r
	req.DropBefore = dropBefore
	return req
}

func Plan(def *querydef.Definition) runner.Plan {
	return runner.Plan{
		Sources:  def.Sources,
		Schema:   def.Schema,
		Template: def.Template.String(),
	}
}

func LoaderConnection(l config.LoaderConfig) engine.Connection {
	return engine.Connection{
		Host:     l.Host,
		Port:     l.Port,
		Database: l.Database,
		User:     l.User,
		Password: l.Password,
	}
}

func Target(cfg *config.Config, def *querydef.Definition) pipeline.LoadTarget {
	return pipeline.LoadTarget{
		File:       cfg.Destination.File,
		Table:      cfg.Destination.VerticaTable,
		Columns:    def.CopyColumns,
		Skip:       cfg.Loader.Skip,
		Enclosure:  cfg.Loader.Enclosure,
		Delimiter:  cfg.Loader.Delimiter,
		Terminator: cfg.Loader.Terminator,
		Gzip:       cfg.Loader.Gzip == nil || *cfg.Loader.Gzip,
	}
}

// Notifications always logs; it mails as well when email is configured. A nil
// store keeps notification history in memory.
func Notifications(cfg *config.Config, store repository.NotificationRepository, logger zerolog.Logger) (notification.Service, error) {
	notifiers := []notification.Notifier{notification.NewLogNotifier(logger)}
	if cfg.Email.Enabled() {
		mailer, err := notification.NewSMTPMailer(cfg.Email)
		if err != nil {
			return nil, errors.Wrap(err, "configure mailer")
		}
		notifiers = append(notifiers, notification.NewEmailNotifier(mailer, cfg.Email.Recipients, logger))
	}
	return notification.NewService(store, logger, notifiers...), nil
}
