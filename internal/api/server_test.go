package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prbot/internal/db"
	"prbot/internal/parser"
	"prbot/internal/worker"
)

const sentryPayload = `{
  "action": "triggered",
  "data": {
    "event": {
      "event_id": "3c71983fe8bc4b45ae3e59fd08bbb4e2",
      "project": 4509981525278720,
      "issue_id": "7241469116",
      "level": "error",
      "environment": "prod",
      "web_url": "https://sentry.io/organizations/test/issues/7241469116/",
      "exception": {"values": [{
        "type": "ZeroDivisionError",
        "value": "division by zero",
        "stacktrace": {"frames": [
          {"filename": "app/main.py", "function": "trigger_error", "lineno": 42, "in_app": true}
        ]}
      }]}
    }
  }
}`

type fakeWorkers struct {
	mu      sync.Mutex
	running bool
	wakes   int
	stopped time.Duration
}

func (f *fakeWorkers) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return worker.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeWorkers) Stop(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return worker.ErrNotRunning
	}
	f.running = false
	f.stopped = timeout
	return nil
}

func (f *fakeWorkers) Status() worker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return worker.Status{Status: worker.StateRunning}
	}
	return worker.Status{Status: worker.StateStopped}
}

func (f *fakeWorkers) Wake() {
	f.mu.Lock()
	f.wakes++
	f.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*Server, *db.Store, *fakeWorkers) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	workers := &fakeWorkers{}
	return NewServer(store, parser.DefaultRegistry(), workers, opts), store, workers
}

func do(t *testing.T, srv http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t, Options{})
	_, err := store.CreateJob(context.Background(), db.ErrorReport{Source: db.SourceSentry, SourceIssueID: "1", Title: "t"})
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	got := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", got["status"])
	assert.EqualValues(t, 1, got["pending_jobs"])
	assert.Equal(t, worker.StateStopped, got["worker"])
}

func TestHealthDBError(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t, Options{})
	require.NoError(t, store.Reader.Close())

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[map[string]string](t, rec)["error"])
}

func TestWebhookCreatesJobThenReportsDuplicate(t *testing.T) {
	t.Parallel()
	srv, store, workers := newTestServer(t, Options{})

	rec := do(t, srv, http.MethodPost, "/webhook/sentry", sentryPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[map[string]string](t, rec)
	assert.Equal(t, "created", created["status"])
	assert.Equal(t, "7241469116", created["issue_id"])
	assert.Equal(t, "ZeroDivisionError: division by zero", created["title"])
	assert.Equal(t, 1, workers.wakes)

	job, err := store.GetJob(context.Background(), created["job_id"])
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Equal(t, "4509981525278720", job.SourceProjectID)
	assert.Equal(t, "app/main.py", job.Filename)
	assert.Equal(t, sentryPayload, job.RawPayload)

	rec = do(t, srv, http.MethodPost, "/webhook/sentry", sentryPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[map[string]string](t, rec)
	assert.Equal(t, "duplicate", dup["status"])
	assert.Equal(t, "sentry", dup["source"])
	assert.Equal(t, 1, workers.wakes)

	n, err := store.CountJobs(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebhookRejections(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Options{WebhookSecret: "s3cret"})
	auth := map[string]string{"X-Webhook-Secret": "s3cret"}

	cases := []struct {
		name   string
		target string
		body   string
		header map[string]string
		want   int
	}{
		{"missing secret", "/webhook/sentry", sentryPayload, nil, http.StatusUnauthorized},
		{"wrong secret", "/webhook/sentry", sentryPayload, map[string]string{"X-Webhook-Secret": "nope"}, http.StatusUnauthorized},
		{"unknown source", "/webhook/pagerduty", sentryPayload, auth, http.StatusNotFound},
		{"source without parser", "/webhook/datadog", sentryPayload, auth, http.StatusNotFound},
		{"invalid json", "/webhook/sentry", `{"action":`, auth, http.StatusUnprocessableEntity},
		{"missing event", "/webhook/sentry", `{"action":"triggered","data":{}}`, auth, http.StatusUnprocessableEntity},
		{"body too large", "/webhook/sentry", `"` + strings.Repeat("x", maxBodySize) + `"`, auth, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, tc.target, tc.body, tc.header)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestWebhookRateLimitPerIP(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Options{RateLimit: 2})

	for i := range 2 {
		rec := do(t, srv, http.MethodPost, "/webhook/sentry", `{}`, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, "request %d", i)
	}
	rec := do(t, srv, http.MethodPost, "/webhook/sentry", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other endpoints are not limited.
	rec = do(t, srv, http.MethodGet, "/jobs", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListJobsPaginationAndValidation(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.CreateJob(ctx, db.ErrorReport{Source: db.SourceSentry, SourceIssueID: id, Title: id})
		require.NoError(t, err)
	}

	rec := do(t, srv, http.MethodGet, "/jobs?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page1 := decode[[]db.Job](t, rec)
	require.Len(t, page1, 2)
	assert.Equal(t, "c", page1[0].SourceIssueID)

	rec = do(t, srv, http.MethodGet, "/jobs?limit=2&page=2", "", nil)
	page2 := decode[[]db.Job](t, rec)
	require.Len(t, page2, 1)
	assert.Equal(t, "a", page2[0].SourceIssueID)

	rec = do(t, srv, http.MethodGet, "/jobs?status=done", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	for _, q := range []string{"status=bogus", "page=0", "page=x", "limit=0", "limit=101"} {
		rec := do(t, srv, http.MethodGet, "/jobs?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetJobAndTasks(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t, Options{})
	ctx := context.Background()
	id, err := store.CreateJob(ctx, db.ErrorReport{Source: db.SourceSentry, SourceIssueID: "1", Title: "boom"})
	require.NoError(t, err)
	_, err = store.AddTask(ctx, id, db.TaskStatus, "processing")
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, "/jobs/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "boom", decode[db.Job](t, rec).Title)

	rec = do(t, srv, http.MethodGet, "/jobs/"+id+"/tasks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]db.JobTask](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Sequence)
	assert.Equal(t, "processing", tasks[0].Content)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/jobs/missing", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/jobs/missing/tasks", "", nil).Code)
}

func TestProjectEndpoints(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Options{})
	body := `{"source":"sentry","source_project_id":"42","repo_url":"https://github.com/org/repo","repo_platform":"github"}`

	rec := do(t, srv, http.MethodPost, "/projects", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[db.Project](t, rec)
	assert.Equal(t, "https://github.com/org/repo", created.RepoURL)
	assert.NotEmpty(t, created.ID)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/projects", body, nil).Code)

	rec = do(t, srv, http.MethodGet, "/projects/sentry/42", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[db.Project](t, rec).ID)

	rec = do(t, srv, http.MethodGet, "/projects?source=sentry", "", nil)
	assert.Len(t, decode[[]db.Project](t, rec), 1)
	rec = do(t, srv, http.MethodGet, "/projects?source=datadog", "", nil)
	assert.Empty(t, decode[[]db.Project](t, rec))

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/projects/sentry/42", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, "/projects/sentry/42", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/projects/sentry/42", "", nil).Code)
}

func TestCreateProjectValidation(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Options{})

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/projects", `{`, nil).Code)

	rec := do(t, srv, http.MethodPost, "/projects",
		`{"source":"sentry","source_project_id":"42","repo_url":"https://x/y","repo_platform":"bitbucket"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "RepoPlatform")

	rec = do(t, srv, http.MethodPost, "/projects", `{"source":"sentry","repo_url":"https://x/y","repo_platform":"github"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "SourceProjectID")
}

func TestWorkerEndpoints(t *testing.T) {
	t.Parallel()
	srv, _, workers := newTestServer(t, Options{})

	rec := do(t, srv, http.MethodGet, "/worker/status", "", nil)
	assert.Equal(t, worker.StateStopped, decode[worker.Status](t, rec).Status)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/worker/stop", "", nil).Code)

	rec = do(t, srv, http.MethodPost, "/worker/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "started", decode[map[string]any](t, rec)["status"])
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/worker/start", "", nil).Code)

	rec = do(t, srv, http.MethodGet, "/worker/status", "", nil)
	assert.Equal(t, worker.StateRunning, decode[worker.Status](t, rec).Status)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/worker/stop?timeout=soon", "", nil).Code)
	rec = do(t, srv, http.MethodPost, "/worker/stop?timeout=2.5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2500*time.Millisecond, workers.stopped)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Options{CORSOrigins: []string{"http://localhost:5173"}})

	rec := do(t, srv, http.MethodOptions, "/jobs", "", map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, srv, http.MethodGet, "/jobs", "", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
