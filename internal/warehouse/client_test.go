package warehouse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/option"

	"github.com/stanstork/bqrunner/internal/jobs"
	"github.com/stanstork/bqrunner/internal/models"
)

const testProject = "proj"

func newTestClient(t *testing.T, mux *http.ServeMux, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg.ProjectID = testProject
	c, err := New(context.Background(), cfg, zerolog.Nop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func apiError(code int, reason, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"errors":  []map[string]any{{"reason": reason, "message": message}},
		},
	}
}

func TestListTables_FollowsPageTokens(t *testing.T) {
	pages := map[string]map[string]any{
		"": {
			"tables":        []map[string]any{{"tableReference": map[string]any{"tableId": "ga_sessions_20230101"}}},
			"nextPageToken": "p2",
		},
		"p2": {
			"tables":        []map[string]any{{"tableReference": map[string]any{"tableId": "ga_sessions_20230102"}}},
			"nextPageToken": "p3",
		},
		"p3": {
			"tables": []map[string]any{{"tableReference": map[string]any{"tableId": "ga_sessions_20230103"}}},
		},
	}
	var tokens []string
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/datasets/111/tables", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("pageToken")
		tokens = append(tokens, token)
		assert.Equal(t, "1000", r.URL.Query().Get("maxResults"))
		writeJSON(t, w, http.StatusOK, pages[token])
	})
	c := newTestClient(t, mux, Config{})

	tables, err := c.ListTables(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, []string{"ga_sessions_20230101", "ga_sessions_20230102", "ga_sessions_20230103"}, tables)
	assert.Equal(t, []string{"", "p2", "p3"}, tokens)
}

func TestTableExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/datasets/Analytics/tables/daily", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "proj:Analytics.daily"})
	})
	mux.HandleFunc("/projects/proj/datasets/Analytics/tables/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, apiError(404, "notFound", "Not found: Table proj:Analytics.missing"))
	})
	mux.HandleFunc("/projects/proj/datasets/Analytics/tables/forbidden", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusForbidden, apiError(403, "accessDenied", "Access Denied"))
	})
	c := newTestClient(t, mux, Config{})

	ok, err := c.TableExists(context.Background(), models.TableRef{Dataset: "Analytics", Table: "daily"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TableExists(context.Background(), models.TableRef{Dataset: "Analytics", Table: "missing"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.TableExists(context.Background(), models.TableRef{Dataset: "Analytics", Table: "forbidden"})
	require.Error(t, err)
}

func TestCreateAndDropTable(t *testing.T) {
	var created bigquery.Table
	deleted := false

	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/datasets/Analytics/tables", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		writeJSON(t, w, http.StatusOK, created)
	})
	mux.HandleFunc("/projects/proj/datasets/Analytics/tables/daily", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux, Config{})
	dest := models.TableRef{Dataset: "Analytics", Table: "daily"}

	schema := models.Schema{
		{Name: "origin", Type: "STRING", Mode: "NULLABLE"},
		{Name: "hits", Type: "RECORD", Mode: "REPEATED", Fields: []models.Field{{Name: "page", Type: "STRING"}}},
	}
	require.NoError(t, c.CreateTable(context.Background(), dest, schema))
	assert.Equal(t, "daily", created.TableReference.TableId)
	assert.Equal(t, "proj", created.TableReference.ProjectId)
	require.Len(t, created.Schema.Fields, 2)
	assert.Equal(t, "REPEATED", created.Schema.Fields[1].Mode)
	require.Len(t, created.Schema.Fields[1].Fields, 1)
	assert.Equal(t, "page", created.Schema.Fields[1].Fields[0].Name)

	require.NoError(t, c.DropTable(context.Background(), dest))
	assert.True(t, deleted)
}

func TestSubmitQuery(t *testing.T) {
	var inserted bigquery.Job
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
		resp := inserted
		resp.JobReference = &bigquery.JobReference{ProjectId: testProject, JobId: "job_q1", Location: "US"}
		resp.Status = &bigquery.JobStatus{State: "RUNNING"}
		writeJSON(t, w, http.StatusOK, resp)
	})
	c := newTestClient(t, mux, Config{LegacySQL: true, AllowLargeResults: true, Location: "US"})

	job, err := c.SubmitQuery(context.Background(), "SELECT 1", models.TableRef{Dataset: "Analytics", Table: "daily"})
	require.NoError(t, err)
	assert.Equal(t, "job_q1", job.ID)
	assert.Equal(t, "US", job.Location)
	assert.Equal(t, models.JobStateRunning, job.State)

	q := inserted.Configuration.Query
	require.NotNil(t, q)
	assert.Equal(t, "SELECT 1", q.Query)
	assert.Equal(t, "WRITE_TRUNCATE", q.WriteDisposition)
	assert.Equal(t, "CREATE_IF_NEEDED", q.CreateDisposition)
	assert.Equal(t, "BATCH", q.Priority)
	assert.True(t, q.AllowLargeResults)
	require.NotNil(t, q.UseLegacySql)
	assert.True(t, *q.UseLegacySql)
	assert.Equal(t, "Analytics", q.DestinationTable.DatasetId)
	assert.Equal(t, "daily", q.DestinationTable.TableId)
}

func TestIsComplete(t *testing.T) {
	complete := false
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/queries/job_q1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "0", r.URL.Query().Get("timeoutMs"))
		assert.Equal(t, "EU", r.URL.Query().Get("location"))
		writeJSON(t, w, http.StatusOK, map[string]any{"jobComplete": complete})
	})
	mux.HandleFunc("/projects/proj/queries/job_bad", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, apiError(400, "invalidQuery", "Syntax error: Unexpected keyword FROM"))
	})
	c := newTestClient(t, mux, Config{Location: "US"})

	job := &models.Job{ID: "job_q1", Location: "EU"}
	done, err := c.IsComplete(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, done)

	complete = true
	done, err = c.IsComplete(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = c.IsComplete(context.Background(), &models.Job{ID: "job_bad", Location: "EU"})
	require.Error(t, err)
	var jerr *jobs.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, "invalidQuery", jerr.Reason)
	assert.Equal(t, models.JobKindQuery, jerr.Kind)
}

func TestSubmitExport(t *testing.T) {
	var inserted bigquery.Job
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
		writeJSON(t, w, http.StatusOK, inserted)
	})
	c := newTestClient(t, mux, Config{})
	c.newID = func() string { return "0000" }

	header := false
	job, err := c.SubmitExport(context.Background(),
		models.TableRef{Dataset: "Analytics", Table: "daily"},
		[]string{"gs://bucket/daily.csv.gz"},
		models.ExportOptions{Compression: "GZIP", Format: "CSV", PrintHeader: &header})
	require.NoError(t, err)

	assert.Equal(t, "Analytics-daily-0000", job.ID)
	assert.Equal(t, models.JobKindExport, job.Kind)
	e := inserted.Configuration.Extract
	require.NotNil(t, e)
	assert.Equal(t, []string{"gs://bucket/daily.csv.gz"}, e.DestinationUris)
	assert.Equal(t, "GZIP", e.Compression)
	assert.Equal(t, "CSV", e.DestinationFormat)
	require.NotNil(t, e.PrintHeader)
	assert.False(t, *e.PrintHeader)
	assert.Equal(t, "daily", e.SourceTable.TableId)
}

func TestJobStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/jobs/running", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, bigquery.Job{
			JobReference: &bigquery.JobReference{JobId: "running"},
			Status:       &bigquery.JobStatus{State: "RUNNING"},
		})
	})
	mux.HandleFunc("/projects/proj/jobs/done", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, bigquery.Job{
			JobReference: &bigquery.JobReference{JobId: "done"},
			Status:       &bigquery.JobStatus{State: "DONE"},
		})
	})
	mux.HandleFunc("/projects/proj/jobs/failed", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, bigquery.Job{
			JobReference: &bigquery.JobReference{JobId: "failed"},
			Status: &bigquery.JobStatus{
				State:       "DONE",
				ErrorResult: &bigquery.ErrorProto{Reason: "invalid", Message: "bad destination uri"},
			},
		})
	})
	mux.HandleFunc("/projects/proj/jobs/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, apiError(404, "notFound", "Not found: Job proj:gone"))
	})
	c := newTestClient(t, mux, Config{})

	tests := []struct {
		id         string
		wantState  models.JobState
		wantFailed bool
	}{
		{id: "running", wantState: models.JobStateRunning},
		{id: "done", wantState: models.JobStateDone},
		{id: "failed", wantState: models.JobStateFailed, wantFailed: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			job, err := c.JobStatus(context.Background(), &models.Job{ID: tt.id, Kind: models.JobKindExport})
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, job.State)
			assert.Equal(t, tt.wantFailed, job.Failed())
			assert.Equal(t, models.JobKindExport, job.Kind)
		})
	}

	_, err := c.JobStatus(context.Background(), &models.Job{ID: "gone", Kind: models.JobKindExport})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrJobFailed))
}

func TestNew_RequiresProject(t *testing.T) {
	_, err := New(context.Background(), Config{}, zerolog.Nop(), option.WithoutAuthentication())
	require.Error(t, err)
}
