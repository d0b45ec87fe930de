package db

import (
	"context"
	"fmt"
)

const schemaVersion = 2

// Timestamps carry milliseconds so creation order is stable for jobs
// inserted within the same second.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    status            TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending','processing','done','failed')),
    source            TEXT NOT NULL,
    source_project_id TEXT,
    source_issue_id   TEXT NOT NULL,
    title             TEXT NOT NULL,
    message           TEXT,
    level             TEXT,
    environment       TEXT,
    exception_type    TEXT,
    transaction_name  TEXT,
    filename          TEXT,
    lineno            INTEGER,
    function          TEXT,
    stacktrace        TEXT,
    work_branch       TEXT,
    error_log         TEXT,
    retry_count       INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    source_url        TEXT,
    raw_payload       TEXT,
    created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE(source, source_issue_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS job_tasks (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE RESTRICT,
    sequence   INTEGER NOT NULL CHECK(sequence > 0),
    type       TEXT NOT NULL CHECK(type IN ('tool_use','message','error','status')),
    content    TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE(job_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_job_tasks_job_id ON job_tasks(job_id);

CREATE TABLE IF NOT EXISTS projects (
    id                TEXT PRIMARY KEY,
    source            TEXT NOT NULL,
    source_project_id TEXT NOT NULL,
    repo_url          TEXT NOT NULL,
    repo_platform     TEXT NOT NULL CHECK(repo_platform IN ('github','gitlab')),
    created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE(source, source_project_id)
);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
		return nil
	}

	// Version 1 databases predate the composite claim index.
	_, _ = s.Writer.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)")
	if _, err := s.Writer.Exec("UPDATE schema_version SET version = ? WHERE version < ?", schemaVersion, schemaVersion); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}
	return nil
}

// RecoverInFlightJobs resets jobs left in processing by a previous crash back
// to pending and appends a status task to each. Called on daemon startup
// before the worker starts.
func (s *Store) RecoverInFlightJobs(ctx context.Context) ([]string, error) {
	rows, err := s.Writer.QueryContext(ctx,
		`UPDATE jobs SET status = 'pending', `+bumpUpdatedAt+`
		 WHERE status = 'processing'
		 RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan recovered job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect recovered job ids: %w", err)
	}

	for _, id := range ids {
		if _, err := s.AddTask(ctx, id, TaskStatus, "pending (recovered after restart)"); err != nil {
			return ids, err
		}
	}
	return ids, nil
}
