// Package worker claims pending jobs one at a time and drives each through
// workspace preparation, the agent, and push.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"prbot/internal/agent"
	"prbot/internal/db"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxRetry     = 3
	workBranchPrefix    = "fix/"
)

// ErrProjectNotFound is returned when no project is registered for a job's
// source project. Errors carrying it also match db.ErrNotFound.
var ErrProjectNotFound = errors.New("no project registered")

// Store is the subset of *db.Store the worker needs.
type Store interface {
	ClaimNextPending(ctx context.Context) (db.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (db.Job, error)
	GetProject(ctx context.Context, source, sourceProjectID string) (db.Project, error)
	UpdateStatus(ctx context.Context, jobID, status string, upd db.StatusUpdate) (bool, error)
	AddTask(ctx context.Context, jobID, taskType string, content any) (db.JobTask, error)
}

// Workspace is the subset of *workspace.Manager the worker needs.
type Workspace interface {
	Prepare(ctx context.Context, repoURL, platform string) (string, error)
	DefaultBranch(ctx context.Context, dir string) string
	CreateWorkBranch(ctx context.Context, dir, base, branch string) error
	CommitAll(ctx context.Context, dir, message string) (string, error)
	PushBranch(ctx context.Context, dir, branch string) error
}

// Agent fixes one job inside a prepared workspace.
type Agent interface {
	Run(ctx context.Context, job db.Job, repoDir, workBranch string, sink agent.TaskSink) error
}

// Notifier is told about every job that reaches done or failed.
type Notifier interface {
	JobFinished(ctx context.Context, job db.Job)
}

// ErrorTask is the content of an error task.
type ErrorTask struct {
	Error string `json:"error"`
	Retry int    `json:"retry"`
	Fatal bool   `json:"fatal"`
}

// Options configure a Worker. Zero values use the defaults.
type Options struct {
	PollInterval time.Duration
	MaxRetry     int
	Notifier     Notifier
}

// Worker is the single poller. Run processes one job at a time until Stop is
// called or its context ends.
type Worker struct {
	store     Store
	workspace Workspace
	agent     Agent
	notifier  Notifier

	pollInterval time.Duration
	maxRetry     int

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}

	mu         sync.Mutex
	currentJob string
}

func New(store Store, ws Workspace, ag Agent, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = DefaultMaxRetry
	}
	return &Worker{
		store:        store,
		workspace:    ws,
		agent:        ag,
		notifier:     opts.Notifier,
		pollInterval: opts.PollInterval,
		maxRetry:     opts.MaxRetry,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// WorkBranch returns the branch name used for a job.
func WorkBranch(jobID string) string {
	return workBranchPrefix + db.ShortID(jobID)
}

// Stop asks Run to return at its next checkpoint. An in-flight job is not
// interrupted.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Wake cuts the current idle sleep short, e.g. after a webhook enqueues a
// job.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// CurrentJobID returns the job being processed, or "".
func (w *Worker) CurrentJobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJob
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.currentJob = id
	w.mu.Unlock()
}

// Run polls until stopped. It returns nil on Stop or context cancellation
// and an error only when a job's failure could not be persisted.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "poll_interval", w.pollInterval, "max_retry", w.maxRetry)
	defer slog.Info("worker stopped")

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			var perr *persistError
			if errors.As(err, &perr) {
				return err
			}
			slog.Error("worker: poll failed", "err", err)
		}
		if processed {
			continue
		}

		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := w.store.ClaimNextPending(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next pending: %w", err)
	}
	if !ok {
		return false, nil
	}

	w.setCurrent(job.ID)
	defer w.setCurrent("")

	slog.Info("worker processing job", "job", db.ShortID(job.ID), "source", job.Source, "issue", job.SourceIssueID, "retry", job.RetryCount)

	jobErr := w.process(ctx, job)
	if jobErr == nil {
		return true, nil
	}
	// Bookkeeping must land even when ctx was cancelled mid-job.
	persistCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if err := w.abandon(persistCtx, job, jobErr); err != nil {
			return true, &persistError{jobID: job.ID, err: err}
		}
		return true, nil
	}
	if err := w.fail(persistCtx, job, jobErr); err != nil {
		return true, &persistError{jobID: job.ID, err: err}
	}
	return true, nil
}

// abandon returns a job interrupted by shutdown to pending without
// spending a retry.
func (w *Worker) abandon(ctx context.Context, job db.Job, jobErr error) error {
	slog.Warn("job abandoned at shutdown", "job", db.ShortID(job.ID), "err", jobErr)
	msg := "abandoned at shutdown: " + jobErr.Error()
	ok, err := w.store.UpdateStatus(ctx, job.ID, db.StatusPending, db.StatusUpdate{ErrorLog: &msg})
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if !ok {
		return fmt.Errorf("mark pending: job %s: %w", job.ID, db.ErrNotFound)
	}
	if _, err := w.store.AddTask(ctx, job.ID, db.TaskStatus, "pending (abandoned at shutdown)"); err != nil {
		return fmt.Errorf("record abandon task: %w", err)
	}
	return nil
}

// process runs the job to done. Any error is returned for classification;
// panics are converted to errors.
func (w *Worker) process(ctx context.Context, job db.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "job", db.ShortID(job.ID), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	if _, err := w.store.AddTask(ctx, job.ID, db.TaskStatus, db.StatusProcessing); err != nil {
		return fmt.Errorf("record processing: %w", err)
	}

	if job.SourceProjectID == "" {
		return fmt.Errorf("%w: job has no source project id (%w)", ErrProjectNotFound, db.ErrNotFound)
	}
	project, err := w.store.GetProject(ctx, job.Source, job.SourceProjectID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w for %s/%s (%w)", ErrProjectNotFound, job.Source, job.SourceProjectID, db.ErrNotFound)
		}
		return fmt.Errorf("load project: %w", err)
	}

	repoDir, err := w.workspace.Prepare(ctx, project.RepoURL, project.RepoPlatform)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	base := w.workspace.DefaultBranch(ctx, repoDir)
	branch := WorkBranch(job.ID)
	if err := w.workspace.CreateWorkBranch(ctx, repoDir, base, branch); err != nil {
		return fmt.Errorf("create work branch: %w", err)
	}

	if err := w.agent.Run(ctx, job, repoDir, branch, w.store); err != nil {
		return err
	}

	// The agent is asked to commit; anything it left behind is kept too.
	if hash, err := w.workspace.CommitAll(ctx, repoDir, commitMessage(job)); err != nil {
		return fmt.Errorf("commit leftover changes: %w", err)
	} else if hash != "" {
		slog.Info("worker committed leftover changes", "job", db.ShortID(job.ID), "commit", hash)
	}
	if err := w.workspace.PushBranch(ctx, repoDir, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	ok, err := w.store.UpdateStatus(ctx, job.ID, db.StatusDone, db.StatusUpdate{WorkBranch: &branch})
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if !ok {
		return fmt.Errorf("mark done: job %s: %w", job.ID, db.ErrNotFound)
	}
	if _, err := w.store.AddTask(ctx, job.ID, db.TaskStatus, db.StatusDone); err != nil {
		slog.Warn("worker: record done task failed", "job", db.ShortID(job.ID), "err", err)
	}
	slog.Info("job done", "job", db.ShortID(job.ID), "branch", branch)
	w.notify(ctx, job.ID)
	return nil
}

// fail applies the retry policy to a failed attempt.
func (w *Worker) fail(ctx context.Context, job db.Job, jobErr error) error {
	fatal := IsFatal(jobErr)
	retry := job.RetryCount + 1
	status := db.StatusPending
	if fatal || retry >= w.maxRetry {
		status = db.StatusFailed
	}
	msg := jobErr.Error()

	slog.Warn("job attempt failed", "job", db.ShortID(job.ID), "retry", retry, "fatal", fatal,
		"kind", failureKind(jobErr), "status", status, "err", msg)

	ok, err := w.store.UpdateStatus(ctx, job.ID, status, db.StatusUpdate{ErrorLog: &msg, IncrementRetry: true})
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if !ok {
		return fmt.Errorf("mark %s: job %s: %w", status, job.ID, db.ErrNotFound)
	}
	if _, err := w.store.AddTask(ctx, job.ID, db.TaskError, ErrorTask{Error: msg, Retry: retry, Fatal: fatal}); err != nil {
		return fmt.Errorf("record error task: %w", err)
	}
	if status == db.StatusFailed {
		w.notify(ctx, job.ID)
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, jobID string) {
	if w.notifier == nil {
		return
	}
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Warn("worker: load job for notification failed", "job", db.ShortID(jobID), "err", err)
		return
	}
	w.notifier.JobFinished(ctx, job)
}

func commitMessage(job db.Job) string {
	title := job.Title
	if r := []rune(title); len(r) > 72 {
		title = string(r[:72])
	}
	return fmt.Sprintf("fix: %s\n\nAutomated fix for %s issue %s.", title, job.Source, job.SourceIssueID)
}

// persistError marks a failure that left a job's state unrecorded. Run stops
// on it rather than claiming more work.
type persistError struct {
	jobID string
	err   error
}

func (e *persistError) Error() string {
	return fmt.Sprintf("persist failure of job %s: %v", e.jobID, e.err)
}

func (e *persistError) Unwrap() error { return e.err }
