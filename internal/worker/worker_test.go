package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prbot/internal/agent"
	"prbot/internal/db"
	"prbot/internal/llm"
	"prbot/internal/workspace"
)

const testProjectID = "4509981525278720"

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func report(issueID string) db.ErrorReport {
	return db.ErrorReport{
		Source:          db.SourceSentry,
		SourceProjectID: testProjectID,
		SourceIssueID:   issueID,
		Title:           "ZeroDivisionError: division by zero",
		Message:         "division by zero",
		ExceptionType:   "ZeroDivisionError",
		Filename:        "app/main.py",
		Lineno:          42,
		Function:        "trigger_error",
	}
}

func createJob(t *testing.T, store *db.Store, issueID string) string {
	t.Helper()
	id, err := store.CreateJob(context.Background(), report(issueID))
	require.NoError(t, err)
	return id
}

func registerProject(t *testing.T, store *db.Store, repoURL string) {
	t.Helper()
	_, err := store.CreateProject(context.Background(), db.NewProject{
		Source:          db.SourceSentry,
		SourceProjectID: testProjectID,
		RepoURL:         repoURL,
		RepoPlatform:    db.PlatformGitHub,
	})
	require.NoError(t, err)
}

func taskTypes(t *testing.T, store *db.Store, jobID string) []string {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Type+":"+task.Content)
	}
	return out
}

type agentFunc func(ctx context.Context, job db.Job, repoDir, workBranch string, sink agent.TaskSink) error

func (f agentFunc) Run(ctx context.Context, job db.Job, repoDir, workBranch string, sink agent.TaskSink) error {
	return f(ctx, job, repoDir, workBranch, sink)
}

type fakeWorkspace struct {
	mu         sync.Mutex
	prepareErr error
	pushErr    error
	branches   []string
	pushed     []string
}

func (f *fakeWorkspace) Prepare(_ context.Context, repoURL, _ string) (string, error) {
	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	return "/ws/" + workspace.DirName(repoURL), nil
}

func (f *fakeWorkspace) DefaultBranch(context.Context, string) string { return "main" }

func (f *fakeWorkspace) CreateWorkBranch(_ context.Context, _, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, branch)
	return nil
}

func (f *fakeWorkspace) CommitAll(context.Context, string, string) (string, error) { return "", nil }

func (f *fakeWorkspace) PushBranch(_ context.Context, _, branch string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, branch)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []db.Job
}

func (n *recordingNotifier) JobFinished(_ context.Context, job db.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func TestRunOnceCompletesJobAndPushesBranch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tmp := t.TempDir()
	remote := newRemote(t, tmp)

	store := openStore(t)
	registerProject(t, store, remote)
	jobID := createJob(t, store, "7241469116")

	ws := workspace.New(filepath.Join(tmp, "workspaces"), workspace.Tokens{}, workspace.Author{Name: "prbot", Email: "prbot@localhost"})
	fixer := agentFunc(func(ctx context.Context, job db.Job, repoDir, workBranch string, sink agent.TaskSink) error {
		if _, err := sink.AddTask(ctx, job.ID, db.TaskMessage, "Guarded the division."); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(repoDir, "main.py"), []byte("print(1 / 1)\n"), 0o644)
	})
	notifier := &recordingNotifier{}
	w := New(store, ws, fixer, Options{Notifier: notifier})

	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDone, job.Status)
	assert.Equal(t, "fix/"+jobID[:8], job.WorkBranch)
	assert.Equal(t, 0, job.RetryCount)

	assert.Equal(t, []string{"status:processing", "message:Guarded the division.", "status:done"}, taskTypes(t, store, jobID))

	subject := strings.TrimSpace(runGitCmdOutput(t, remote, "log", "-1", "--format=%s", "refs/heads/"+job.WorkBranch))
	assert.Equal(t, "fix: ZeroDivisionError: division by zero", subject)

	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, db.StatusDone, notifier.jobs[0].Status)
	assert.Empty(t, w.CurrentJobID())
}

func TestRunOnceIdleReturnsFalse(t *testing.T) {
	t.Parallel()
	w := New(openStore(t), &fakeWorkspace{}, agentFunc(nil), Options{})

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMaxTurnsRetriesUntilFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	registerProject(t, store, "https://github.com/acme/api")
	jobID := createJob(t, store, "1")

	stuck := agentFunc(func(context.Context, db.Job, string, string, agent.TaskSink) error {
		return fmt.Errorf("%w (%d)", agent.ErrMaxTurns, 30)
	})
	ws := &fakeWorkspace{}
	w := New(store, ws, stuck, Options{})

	wantStatus := []string{db.StatusPending, db.StatusPending, db.StatusFailed}
	for attempt, want := range wantStatus {
		processed, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		job, err := store.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, want, job.Status, "attempt %d", attempt+1)
		assert.Equal(t, attempt+1, job.RetryCount)
		assert.Equal(t, "agent exceeded max turns (30)", job.ErrorLog)
	}

	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "failed jobs are not reclaimed")
	assert.Empty(t, ws.pushed)

	tasks, err := store.ListTasks(ctx, jobID)
	require.NoError(t, err)
	var errorTasks []ErrorTask
	for i, task := range tasks {
		assert.Equal(t, i+1, task.Sequence)
		if task.Type == db.TaskError {
			var et ErrorTask
			require.NoError(t, json.Unmarshal([]byte(task.Content), &et))
			errorTasks = append(errorTasks, et)
		}
	}
	assert.Equal(t, []ErrorTask{
		{Error: "agent exceeded max turns (30)", Retry: 1},
		{Error: "agent exceeded max turns (30)", Retry: 2},
		{Error: "agent exceeded max turns (30)", Retry: 3},
	}, errorTasks)
}

func TestAuthenticationFailureFailsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	registerProject(t, store, "https://github.com/acme/api")
	jobID := createJob(t, store, "2")

	denied := agentFunc(func(context.Context, db.Job, string, string, agent.TaskSink) error {
		return fmt.Errorf("agent turn 1: %w", &llm.ProviderError{StatusCode: 401, Type: "authentication_error", Message: "invalid x-api-key"})
	})
	notifier := &recordingNotifier{}
	w := New(store, &fakeWorkspace{}, denied, Options{Notifier: notifier})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ErrorLog, "invalid x-api-key")

	tasks, err := store.ListTasks(ctx, jobID)
	require.NoError(t, err)
	last := tasks[len(tasks)-1]
	assert.Equal(t, db.TaskError, last.Type)
	assert.JSONEq(t, `{"error":"agent turn 1: llm: HTTP 401: authentication_error: invalid x-api-key","retry":1,"fatal":true}`, last.Content)

	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, db.StatusFailed, notifier.jobs[0].Status)
}

func TestMissingProjectReturnsJobToPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	jobID := createJob(t, store, "3")

	called := false
	w := New(store, &fakeWorkspace{}, agentFunc(func(context.Context, db.Job, string, string, agent.TaskSink) error {
		called = true
		return nil
	}), Options{})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, called)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "no project registered for sentry/"+testProjectID+" (not found)", job.ErrorLog)
	assert.Equal(t, []string{"status:processing", `error:{"error":"` + job.ErrorLog + `","retry":1,"fatal":false}`}, taskTypes(t, store, jobID))
}

func TestProjectLookupErrorsWrapNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	job, err := store.GetJob(ctx, createJob(t, store, "9"))
	require.NoError(t, err)
	job.SourceProjectID = "missing"
	w := New(store, &fakeWorkspace{}, agentFunc(nil), Options{})

	err = w.process(ctx, job)
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.False(t, IsFatal(err))
}

func TestWorkspaceAndPushErrorsAreRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	registerProject(t, store, "https://github.com/acme/api")
	prepJob := createJob(t, store, "4")

	gitErr := &workspace.Error{Args: []string{"clone"}, Stderr: "fatal: repository not found", Err: errors.New("exit status 128")}
	ws := &fakeWorkspace{prepareErr: gitErr}
	ok := agentFunc(func(context.Context, db.Job, string, string, agent.TaskSink) error { return nil })
	w := New(store, ws, ok, Options{})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	job, err := store.GetJob(ctx, prepJob)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Contains(t, job.ErrorLog, "prepare workspace: git clone")

	ws.prepareErr = nil
	ws.pushErr = &workspace.Error{Args: []string{"push"}, Stderr: "stale info", Err: errors.New("exit status 1")}
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	job, err = store.GetJob(ctx, prepJob)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.Contains(t, job.ErrorLog, "push: git push")
	assert.Equal(t, []string{"fix/" + prepJob[:8]}, ws.branches)
}

func TestPanicInJobIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	registerProject(t, store, "https://github.com/acme/api")
	jobID := createJob(t, store, "5")

	w := New(store, &fakeWorkspace{}, agentFunc(func(context.Context, db.Job, string, string, agent.TaskSink) error {
		panic("nil map write")
	}), Options{})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Equal(t, "worker panic: nil map write", job.ErrorLog)
}

func TestMaxRetryOption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	jobID := createJob(t, store, "6")

	w := New(store, &fakeWorkspace{}, agentFunc(nil), Options{MaxRetry: 1})
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, job.Status)
}

// brokenStore fails every status update so failures cannot be recorded.
type brokenStore struct {
	*db.Store
}

func (brokenStore) UpdateStatus(context.Context, string, string, db.StatusUpdate) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestRunStopsWhenFailureCannotBePersisted(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	createJob(t, store, "7")

	w := New(brokenStore{store}, &fakeWorkspace{}, agentFunc(nil), Options{PollInterval: 10 * time.Millisecond})
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestRunPollsWakesAndStops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	registerProject(t, store, "https://github.com/acme/api")

	ok := agentFunc(func(context.Context, db.Job, string, string, agent.TaskSink) error { return nil })
	w := New(store, &fakeWorkspace{}, ok, Options{PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	jobID := createJob(t, store, "8")
	w.Wake()
	require.Eventually(t, func() bool {
		job, err := store.GetJob(ctx, jobID)
		return err == nil && job.Status == db.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()
	assert.True(t, IsFatal(&llm.ProviderError{StatusCode: 403}))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", &llm.ProviderError{StatusCode: 400, Message: "credit balance too low"})))
	assert.False(t, IsFatal(&llm.ProviderError{StatusCode: 529, Message: "overloaded"}))
	assert.False(t, IsFatal(&agent.ProtocolError{StopReason: "pause_turn"}))
	assert.False(t, IsFatal(errors.New("anything else")))
}

func TestFailureKind(t *testing.T) {
	t.Parallel()
	cases := map[string]error{
		"workspace":      fmt.Errorf("prepare workspace: %w", &workspace.Error{Args: []string{"fetch"}, Err: errors.New("exit status 128")}),
		"not_found":      fmt.Errorf("project: %w", db.ErrNotFound),
		"agent_protocol": agent.ErrMaxTurns,
		"provider_fatal": &llm.ProviderError{StatusCode: 401},
		"provider":       &llm.ProviderError{StatusCode: 529},
		"other":          errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, failureKind(err), err.Error())
	}
	assert.Equal(t, "agent_protocol", failureKind(&agent.ProtocolError{StopReason: "pause_turn"}))
}

func TestWorkBranch(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "fix/0f3c9a7e", WorkBranch("0f3c9a7e-1111-2222-3333-444455556666"))
}

// newRemote creates a bare repository with one commit on main.
func newRemote(t *testing.T, tmp string) string {
	t.Helper()
	remote := filepath.Join(tmp, "remote.git")
	runGitCmd(t, "", "init", "--bare", "--initial-branch=main", remote)

	seed := filepath.Join(tmp, "seed")
	runGitCmd(t, "", "init", "--initial-branch=main", seed)
	runGitCmd(t, seed, "config", "user.email", "test@example.com")
	runGitCmd(t, seed, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "main.py"), []byte("print(1 / 0)\n"), 0o644))
	runGitCmd(t, seed, "add", "main.py")
	runGitCmd(t, seed, "commit", "-m", "init")
	runGitCmd(t, seed, "remote", "add", "origin", remote)
	runGitCmd(t, seed, "push", "origin", "main")
	return remote
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s\n%s", strings.Join(args, " "), out)
}

func runGitCmdOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err, "git %s", strings.Join(args, " "))
	return string(out)
}
