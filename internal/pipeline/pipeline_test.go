package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/engine"
	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/notification"
	"github.com/stanstork/bqrunner/internal/provision"
	"github.com/stanstork/bqrunner/internal/repository"
	"github.com/stanstork/bqrunner/internal/runner"
)

type fakeCore struct {
	calls []string
	req   runner.Request
	err   error
	block chan struct{}
}

func (f *fakeCore) Run(_ context.Context, req runner.Request) (*runner.Result, error) {
	f.calls = append(f.calls, "run")
	f.req = req
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &runner.Result{
		TableStatus:   provision.StatusCreated,
		TablesMatched: 4,
		QueryJob:      &models.Job{ID: "job_q"},
		ExportJob:     &models.Job{ID: "Analytics-daily-x"},
	}, nil
}

type fakeTransfer struct {
	calls *[]string
	dst   string
	err   error
}

func (f *fakeTransfer) Download(_ context.Context, uri, dst string) (int64, error) {
	*f.calls = append(*f.calls, "download "+uri)
	f.dst = dst
	return 1024, f.err
}

func (f *fakeTransfer) Delete(_ context.Context, uri string) error {
	*f.calls = append(*f.calls, "delete "+uri)
	return nil
}

type fakeLoader struct {
	calls  *[]string
	opts   engine.CopyOptions
	dedupe bool
	err    error
}

func (f *fakeLoader) Load(_ context.Context, opts engine.CopyOptions, dedupe bool) (*engine.LoadResult, error) {
	*f.calls = append(*f.calls, "load")
	f.opts, f.dedupe = opts, dedupe
	if f.err != nil {
		return nil, f.err
	}
	return &engine.LoadResult{Rejected: 2}, nil
}

type recorder struct{ events []models.NotificationEvent }

func (r *recorder) Notify(_ context.Context, n models.Notification) error {
	r.events = append(r.events, n.EventType)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	core     *fakeCore
	transfer *fakeTransfer
	loader   *fakeLoader
	runs     repository.RunRepository
	events   *recorder
	calls    []string
	removed  []string
}

func newFixture(t *testing.T, uris ...string) *fixture {
	t.Helper()
	f := &fixture{
		core:   &fakeCore{},
		runs:   repository.NewMemoryRunRepository(),
		events: &recorder{},
	}
	f.transfer = &fakeTransfer{calls: &f.calls}
	f.loader = &fakeLoader{calls: &f.calls}
	base := runner.Request{
		Destination: models.TableRef{Dataset: "Analytics", Table: "daily"},
		URIs:        uris,
	}
	f.pipeline = New(f.core, f.runs, notification.NewService(nil, zerolog.Nop(), f.events), base, zerolog.Nop(),
		WithLoad(f.transfer, f.loader, LoadTarget{File: "/tmp/daily.csv.gz", Table: "public.daily", Columns: []string{"a", "b"}, Skip: 1, Gzip: true}))
	f.pipeline.remove = func(p string) error {
		f.removed = append(f.removed, p)
		return nil
	}
	return f
}

func testRange(t *testing.T) daterange.Range {
	r, err := daterange.Parse("2023-01-14", "2023-01-15")
	require.NoError(t, err)
	return r
}

func TestExecute_CoreOnly(t *testing.T) {
	f := newFixture(t)
	out, err := f.pipeline.Execute(context.Background(), Options{Range: testRange(t), DropBefore: true, Trigger: "cli"})
	require.NoError(t, err)

	assert.True(t, f.core.req.DropBefore)
	assert.Equal(t, "2023-01-14", f.core.req.Range.Start())
	assert.Empty(t, f.calls)
	assert.Nil(t, out.Load)

	run, err := f.runs.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, "cli", run.Trigger)
	assert.Equal(t, "Analytics.daily", run.Destination)
	assert.Equal(t, "Created", *run.TableStatus)
	assert.Equal(t, int64(4), *run.TablesMatched)
	assert.Nil(t, run.LoadedTable)
	assert.Equal(t, []models.NotificationEvent{models.NotificationEventRunStarted, models.NotificationEventRunSucceeded}, f.events.events)
	assert.False(t, f.pipeline.Running())
}

func TestExecute_WithLoad(t *testing.T) {
	f := newFixture(t, "gs://bucket/daily.csv.gz")
	out, err := f.pipeline.Execute(context.Background(), Options{Range: testRange(t), Load: true, Truncate: true, Dedupe: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"download gs://bucket/daily.csv.gz", "delete gs://bucket/daily.csv.gz", "load"}, f.calls)
	assert.Equal(t, "/tmp/daily.csv.gz", f.transfer.dst)
	assert.Equal(t, "public.daily", f.loader.opts.Table)
	assert.True(t, f.loader.opts.Truncate)
	assert.True(t, f.loader.opts.Gzip)
	assert.True(t, f.loader.dedupe)
	assert.Equal(t, []string{"/tmp/daily.csv.gz"}, f.removed)
	assert.Equal(t, int64(1024), out.Downloaded)

	run, err := f.runs.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, "public.daily", *run.LoadedTable)
	assert.Equal(t, int64(2), *run.RowsRejected)
}

func TestExecute_LoadFailureKeepsFile(t *testing.T) {
	f := newFixture(t, "gs://bucket/daily.csv.gz")
	f.loader.err = errors.Wrap(engine.ErrLoadFailed, "exit 1")

	out, err := f.pipeline.Execute(context.Background(), Options{Range: testRange(t), Load: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrLoadFailed))
	assert.Empty(t, f.removed)

	run, err := f.runs.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, *run.ErrorMessage, "bulk load failed")
	assert.Equal(t, "job_q", *run.QueryJobID)
	assert.Equal(t, models.NotificationEventRunFailed, f.events.events[1])
}

func TestExecute_CoreFailureSkipsLoad(t *testing.T) {
	f := newFixture(t, "gs://bucket/daily.csv.gz")
	f.core.err = runner.ErrNoMatchingTables

	out, err := f.pipeline.Execute(context.Background(), Options{Range: testRange(t), Load: true})
	require.Error(t, err)
	assert.Empty(t, f.calls)

	run, err := f.runs.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestExecute_LoadValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Execute(context.Background(), Options{Range: testRange(t), Load: true})
	assert.True(t, errors.Is(err, ErrLoadUnavailable))

	bare := New(&fakeCore{}, repository.NewMemoryRunRepository(), notification.NewService(nil, zerolog.Nop()),
		runner.Request{URIs: []string{"gs://b/o"}}, zerolog.Nop())
	assert.False(t, bare.LoadConfigured())
	_, err = bare.Execute(context.Background(), Options{Range: testRange(t), Load: true})
	assert.True(t, errors.Is(err, ErrLoadUnavailable))

	sharded := newFixture(t, "gs://bucket/daily-*.csv.gz")
	_, err = sharded.pipeline.Execute(context.Background(), Options{Range: testRange(t), Load: true})
	assert.True(t, errors.Is(err, ErrLoadUnavailable))

	noColumns := newFixture(t, "gs://bucket/daily.csv.gz")
	noColumns.pipeline.target.Columns = nil
	_, err = noColumns.pipeline.Execute(context.Background(), Options{Range: testRange(t), Load: true})
	assert.True(t, errors.Is(err, ErrLoadUnavailable))
	assert.Empty(t, noColumns.calls)

	runs, err := f.runs.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	runs, err = noColumns.runs.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExecute_InvalidOptions(t *testing.T) {
	f := newFixture(t, "gs://bucket/daily.csv.gz")
	empty, err := daterange.Parse("2023-01-15", "2023-01-14")
	require.NoError(t, err)

	tests := []struct {
		name string
		opts Options
	}{
		{name: "truncate without load", opts: Options{Range: testRange(t), Truncate: true}},
		{name: "dedupe without load", opts: Options{Range: testRange(t), Dedupe: true}},
		{name: "empty range", opts: Options{Range: empty, DropBefore: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Execute(context.Background(), tt.opts)
			assert.True(t, errors.Is(err, ErrInvalidOptions), err)
			_, err = f.pipeline.Start(context.Background(), tt.opts)
			assert.True(t, errors.Is(err, ErrInvalidOptions), err)
		})
	}
	assert.Empty(t, f.core.calls)
	assert.False(t, f.pipeline.Running())
}

func TestStart_RejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	f.core.block = make(chan struct{})
	ctx := context.Background()

	run, err := f.pipeline.Start(ctx, Options{Range: testRange(t), Trigger: "api"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.True(t, f.pipeline.Running())

	_, err = f.pipeline.Start(ctx, Options{Range: testRange(t)})
	assert.True(t, errors.Is(err, ErrRunInProgress))
	_, err = f.pipeline.Execute(ctx, Options{Range: testRange(t)})
	assert.True(t, errors.Is(err, ErrRunInProgress))

	close(f.core.block)
	f.pipeline.Wait()
	assert.False(t, f.pipeline.Running())

	got, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.RunCompletedAt)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)
}
