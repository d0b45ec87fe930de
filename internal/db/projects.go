package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Repository platforms.
const (
	PlatformGitHub = "github"
	PlatformGitLab = "gitlab"
)

// Project maps an error-source project to the git repository its jobs are
// fixed in. The branch is not stored; it is decided per job at runtime.
type Project struct {
	ID              string `json:"id"`
	Source          string `json:"source"`
	SourceProjectID string `json:"source_project_id"`
	RepoURL         string `json:"repo_url"`
	RepoPlatform    string `json:"repo_platform"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type NewProject struct {
	Source          string
	SourceProjectID string
	RepoURL         string
	RepoPlatform    string
}

const projectColumns = `id, source, source_project_id, repo_url, repo_platform, created_at, updated_at`

func scanProject(row rowScanner) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Source, &p.SourceProjectID, &p.RepoURL, &p.RepoPlatform, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) CreateProject(ctx context.Context, in NewProject) (Project, error) {
	if in.RepoPlatform != PlatformGitHub && in.RepoPlatform != PlatformGitLab {
		return Project{}, fmt.Errorf("unsupported repo platform %q", in.RepoPlatform)
	}
	q := `
INSERT INTO projects(id, source, source_project_id, repo_url, repo_platform)
VALUES(?, ?, ?, ?, ?)
RETURNING ` + projectColumns
	p, err := scanProject(s.Writer.QueryRowContext(ctx, q,
		uuid.NewString(), in.Source, in.SourceProjectID, in.RepoURL, in.RepoPlatform))
	if err != nil {
		if isUniqueViolation(err) {
			return Project{}, fmt.Errorf("project %s/%s: %w", in.Source, in.SourceProjectID, ErrDuplicate)
		}
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// GetProject looks a project up by its source identity.
func (s *Store) GetProject(ctx context.Context, source, sourceProjectID string) (Project, error) {
	p, err := scanProject(s.Reader.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE source = ? AND source_project_id = ?`,
		source, sourceProjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project %s/%s: %w", source, sourceProjectID, ErrNotFound)
		}
		return Project{}, fmt.Errorf("get project %s/%s: %w", source, sourceProjectID, err)
	}
	return p, nil
}

// ListProjects returns all projects, or those of one source when source is
// non-empty.
func (s *Store) ListProjects(ctx context.Context, source string) ([]Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project. Jobs already created for it are kept.
func (s *Store) DeleteProject(ctx context.Context, source, sourceProjectID string) error {
	res, err := s.Writer.ExecContext(ctx,
		`DELETE FROM projects WHERE source = ? AND source_project_id = ?`, source, sourceProjectID)
	if err != nil {
		return fmt.Errorf("delete project %s/%s: %w", source, sourceProjectID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s/%s: %w", source, sourceProjectID, ErrNotFound)
	}
	return nil
}
