package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicate is returned when a job or project with the same source
	// identity already exists. Webhook callers treat it as "already queued".
	ErrDuplicate = errors.New("already exists")
	// ErrNotFound is returned when a job or project lookup finds nothing.
	ErrNotFound = errors.New("not found")
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Error sources. Only sentry has a parser; the others are accepted as
// identities so projects can be registered ahead of time.
const (
	SourceSentry     = "sentry"
	SourceCloudWatch = "cloudwatch"
	SourceDatadog    = "datadog"
)

// IsValidStatus reports whether s is a known job status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

type Job struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Source          string `json:"source"`
	SourceProjectID string `json:"source_project_id,omitempty"`
	SourceIssueID   string `json:"source_issue_id"`
	Title           string `json:"title"`
	Message         string `json:"message,omitempty"`
	Level           string `json:"level,omitempty"`
	Environment     string `json:"environment,omitempty"`
	ExceptionType   string `json:"exception_type,omitempty"`
	Transaction     string `json:"transaction,omitempty"`
	Filename        string `json:"filename,omitempty"`
	Lineno          int    `json:"lineno,omitempty"`
	Function        string `json:"function,omitempty"`
	Stacktrace      string `json:"stacktrace,omitempty"`
	WorkBranch      string `json:"work_branch,omitempty"`
	ErrorLog        string `json:"error_log,omitempty"`
	RetryCount      int    `json:"retry_count"`
	SourceURL       string `json:"source_url,omitempty"`
	RawPayload      string `json:"raw_payload,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Frames decodes the stored stacktrace. A job without frames returns nil.
func (j Job) Frames() ([]StackFrame, error) {
	if strings.TrimSpace(j.Stacktrace) == "" {
		return nil, nil
	}
	var frames []StackFrame
	if err := json.Unmarshal([]byte(j.Stacktrace), &frames); err != nil {
		return nil, fmt.Errorf("decode stacktrace for job %s: %w", j.ID, err)
	}
	return frames, nil
}

// StackFrame is one in-application frame of a canonical error report.
type StackFrame struct {
	Filename    string   `json:"filename,omitempty"`
	AbsPath     string   `json:"abs_path,omitempty"`
	Function    string   `json:"function,omitempty"`
	Lineno      int      `json:"lineno,omitempty"`
	Colno       int      `json:"colno,omitempty"`
	ContextLine string   `json:"context_line,omitempty"`
	PreContext  []string `json:"pre_context,omitempty"`
	PostContext []string `json:"post_context,omitempty"`
}

// ErrorReport is the source-agnostic form a webhook payload is parsed into
// before a job is created from it.
type ErrorReport struct {
	Source          string       `json:"source"`
	SourceProjectID string       `json:"source_project_id,omitempty"`
	SourceIssueID   string       `json:"source_issue_id"`
	Title           string       `json:"title"`
	Message         string       `json:"message,omitempty"`
	Level           string       `json:"level,omitempty"`
	Environment     string       `json:"environment,omitempty"`
	ExceptionType   string       `json:"exception_type,omitempty"`
	Transaction     string       `json:"transaction,omitempty"`
	Filename        string       `json:"filename,omitempty"`
	Lineno          int          `json:"lineno,omitempty"`
	Function        string       `json:"function,omitempty"`
	Frames          []StackFrame `json:"frames"`
	SourceURL       string       `json:"source_url,omitempty"`
	RawPayload      string       `json:"-"`
}

// StatusUpdate carries the optional fields of UpdateStatus. Nil pointers
// leave the column untouched.
type StatusUpdate struct {
	WorkBranch     *string
	ErrorLog       *string
	IncrementRetry bool
}

// ListJobsFilter selects a page of jobs. An empty Status matches all.
type ListJobsFilter struct {
	Status string
	Offset int
	Limit  int
}

const jobColumns = `
id, status, source, COALESCE(source_project_id,''), source_issue_id, title,
COALESCE(message,''), COALESCE(level,''), COALESCE(environment,''),
COALESCE(exception_type,''), COALESCE(transaction_name,''),
COALESCE(filename,''), COALESCE(lineno,0), COALESCE(function,''), COALESCE(stacktrace,''),
COALESCE(work_branch,''), COALESCE(error_log,''), retry_count,
COALESCE(source_url,''), COALESCE(raw_payload,''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Status, &j.Source, &j.SourceProjectID, &j.SourceIssueID, &j.Title,
		&j.Message, &j.Level, &j.Environment,
		&j.ExceptionType, &j.Transaction,
		&j.Filename, &j.Lineno, &j.Function, &j.Stacktrace,
		&j.WorkBranch, &j.ErrorLog, &j.RetryCount,
		&j.SourceURL, &j.RawPayload, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// CreateJob inserts a pending job for the report. It returns ErrDuplicate
// when a job for the same (source, source_issue_id) already exists.
func (s *Store) CreateJob(ctx context.Context, r ErrorReport) (string, error) {
	frames := r.Frames
	if frames == nil {
		frames = []StackFrame{}
	}
	stack, err := json.Marshal(frames)
	if err != nil {
		return "", fmt.Errorf("encode stacktrace: %w", err)
	}
	id := uuid.NewString()
	const q = `
INSERT INTO jobs(
    id, status, source, source_project_id, source_issue_id, title, message, level,
    environment, exception_type, transaction_name, filename, lineno, function,
    stacktrace, source_url, raw_payload
) VALUES(?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.Writer.ExecContext(ctx, q,
		id, r.Source, nullString(r.SourceProjectID), r.SourceIssueID, r.Title,
		nullString(r.Message), nullString(r.Level), nullString(r.Environment),
		nullString(r.ExceptionType), nullString(r.Transaction), nullString(r.Filename),
		nullInt(r.Lineno), nullString(r.Function), string(stack),
		nullString(r.SourceURL), nullString(r.RawPayload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("job for %s issue %s: %w", r.Source, r.SourceIssueID, ErrDuplicate)
		}
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

func (s *Store) JobExists(ctx context.Context, source, sourceIssueID string) (bool, error) {
	var exists int
	err := s.Reader.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE source = ? AND source_issue_id = ?)`,
		source, sourceIssueID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check job %s/%s: %w", source, sourceIssueID, err)
	}
	return exists == 1, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	j, err := scanJob(s.Reader.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

// bumpUpdatedAt moves updated_at to now, or 1ms past its previous value
// when the clock has not advanced, so successive writes always increase it.
const bumpUpdatedAt = `updated_at = MAX(strftime('%Y-%m-%dT%H:%M:%fZ', 'now'), strftime('%Y-%m-%dT%H:%M:%fZ', updated_at, '+0.001 seconds'))`

// ClaimNextPending moves the oldest pending job to processing in a single
// statement and returns it. ok is false when no job is pending.
func (s *Store) ClaimNextPending(ctx context.Context) (Job, bool, error) {
	q := `
UPDATE jobs SET status = 'processing', ` + bumpUpdatedAt + `
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	ORDER BY created_at ASC, rowid ASC
	LIMIT 1
) AND status = 'pending'
RETURNING ` + jobColumns
	j, err := scanJob(s.Writer.QueryRowContext(ctx, q))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

// UpdateStatus sets the job status and any fields present in upd. It
// reports false when the job does not exist. updated_at always advances.
func (s *Store) UpdateStatus(ctx context.Context, jobID, status string, upd StatusUpdate) (bool, error) {
	if !IsValidStatus(status) {
		return false, fmt.Errorf("invalid job status %q", status)
	}
	sets := []string{"status = ?", bumpUpdatedAt}
	args := []any{status}
	if upd.WorkBranch != nil {
		sets = append(sets, "work_branch = ?")
		args = append(args, *upd.WorkBranch)
	}
	if upd.ErrorLog != nil {
		sets = append(sets, "error_log = ?")
		args = append(args, *upd.ErrorLog)
	}
	if upd.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	args = append(args, jobID)

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := s.Writer.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s to %s: %w", jobID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job %s rows affected: %w", jobID, err)
	}
	return n > 0, nil
}

// ListJobs returns a page of jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, f ListJobsFilter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		if !IsValidStatus(f.Status) {
			return nil, fmt.Errorf("invalid job status %q", f.Status)
		}
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs, optionally restricted to one status.
func (s *Store) CountJobs(ctx context.Context, status string) (int, error) {
	q := `SELECT COUNT(*) FROM jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	var n int
	if err := s.Reader.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// ResolveJobID resolves a full job ID or a unique prefix of one.
func (s *Store) ResolveJobID(ctx context.Context, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("empty job id: %w", ErrNotFound)
	}
	var id string
	err := s.Reader.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}

	rows, err := s.Reader.QueryContext(ctx, `SELECT id FROM jobs WHERE id LIKE ? ORDER BY created_at DESC LIMIT 2`, prefix+"%")
	if err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", fmt.Errorf("scan job ID: %w", err)
		}
		matches = append(matches, m)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matching %q: %w", prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous job prefix %q: matches %s and others", prefix, matches[0])
	}
}

// ShortID returns the first 8 characters of an id, the same prefix used
// for work branch names.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
