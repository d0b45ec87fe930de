// Package workspace keeps one reusable git clone per repository URL and
// prepares per-job work branches in it.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	PlatformGitHub = "github"
	PlatformGitLab = "gitlab"

	redactedValue = "[REDACTED]"

	gitWaitDelay = 5 * time.Second
)

var (
	unsafeDirChars     = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	urlPattern         = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)
	knownTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
		regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
		regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),
		regexp.MustCompile(`oauth2:[^@/\s]+@`),
	}
)

// Error is returned when a git command exits non-zero. Tokens are redacted
// from Args and Stderr before the error is built.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	cmd := strings.Join(e.Args, " ")
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %v: %s", cmd, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", cmd, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Tokens are the per-platform access tokens injected into clone URLs.
type Tokens struct {
	GitHub string
	GitLab string
}

// Author is the identity used for commits made by the manager. Empty fields
// fall back to the user's git config.
type Author struct {
	Name  string
	Email string
}

// Manager maps repository URLs to local clones under Root. The URL cache is
// not synchronized; a Manager belongs to a single worker.
type Manager struct {
	Root   string
	Tokens Tokens
	Author Author

	cache map[string]string
}

func New(root string, tokens Tokens, author Author) *Manager {
	return &Manager{Root: root, Tokens: tokens, Author: author, cache: make(map[string]string)}
}

// DirName returns the directory name a repository URL is cloned into: the
// URL without its scheme, with every character outside [A-Za-z0-9_.-]
// replaced by an underscore.
func DirName(repoURL string) string {
	rest := repoURL
	if i := strings.LastIndex(repoURL, "://"); i >= 0 {
		rest = repoURL[i+3:]
	}
	return unsafeDirChars.ReplaceAllString(rest, "_")
}

// Prepare returns a local clone of repoURL, cloning it on first use and
// fetching all refs with pruning afterwards.
func (m *Manager) Prepare(ctx context.Context, repoURL, platform string) (string, error) {
	dir := filepath.Join(m.Root, DirName(repoURL))

	if cached, ok := m.cache[repoURL]; ok && isGitDir(cached) {
		return cached, m.fetch(ctx, cached)
	}
	if isGitDir(dir) {
		// Clone left behind by a previous process.
		if err := m.fetch(ctx, dir); err != nil {
			return "", err
		}
		m.cache[repoURL] = dir
		return dir, nil
	}

	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	if _, err := os.Stat(dir); err == nil {
		slog.Warn("removing incomplete clone", "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("remove incomplete clone %s: %w", dir, err)
		}
	}

	slog.Info("cloning repository", "url", redactSensitiveText(repoURL, nil), "path", dir)
	authURL := m.authenticatedURL(repoURL, platform)
	if _, err := m.run(ctx, "", "clone", authURL, dir); err != nil {
		return "", err
	}
	m.cache[repoURL] = dir
	return dir, nil
}

func (m *Manager) fetch(ctx context.Context, dir string) error {
	slog.Debug("fetching repository", "path", dir)
	_, err := m.run(ctx, dir, "fetch", "--all", "--prune")
	return err
}

// DefaultBranch asks the remote for its HEAD branch and falls back to main
// when the answer cannot be determined.
func (m *Manager) DefaultBranch(ctx context.Context, dir string) string {
	out, err := m.run(ctx, dir, "remote", "show", "origin")
	if err != nil {
		slog.Warn("could not determine default branch, using main", "path", dir, "err", err)
		return "main"
	}
	if branch := parseHeadBranch(out); branch != "" {
		return branch
	}
	return "main"
}

func parseHeadBranch(remoteShow string) string {
	for _, line := range strings.Split(remoteShow, "\n") {
		if _, after, ok := strings.Cut(line, "HEAD branch:"); ok {
			branch := strings.TrimSpace(after)
			if branch != "" && branch != "(unknown)" {
				return branch
			}
		}
	}
	return ""
}

// CreateWorkBranch force-creates branch from origin/base and checks it out,
// discarding any local branch of the same name.
func (m *Manager) CreateWorkBranch(ctx context.Context, dir, base, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return fmt.Errorf("work branch name is empty")
	}
	_, err := m.run(ctx, dir, "checkout", "-B", branch, "origin/"+base)
	return err
}

// CommitAll stages every change and commits it. It returns an empty hash
// and no error when the working tree is clean.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (string, error) {
	status, err := m.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}
	if _, err := m.run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}

	args := []string{}
	if m.Author.Name != "" {
		args = append(args, "-c", "user.name="+m.Author.Name)
	}
	if m.Author.Email != "" {
		args = append(args, "-c", "user.email="+m.Author.Email)
	}
	args = append(args, "commit", "-m", message)
	if _, err := m.run(ctx, dir, args...); err != nil {
		return "", err
	}

	out, err := m.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PushBranch pushes branch to origin with --force-with-lease, replacing a
// branch pushed by an earlier attempt of the same job.
func (m *Manager) PushBranch(ctx context.Context, dir, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return fmt.Errorf("branch name is empty")
	}
	_, err := m.run(ctx, dir, "push", "origin", branch, "--force-with-lease")
	return err
}

func (m *Manager) authenticatedURL(repoURL, platform string) string {
	var token string
	switch platform {
	case PlatformGitHub:
		token = m.Tokens.GitHub
	case PlatformGitLab:
		token = m.Tokens.GitLab
	}
	token = strings.TrimSpace(token)
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return strings.Replace(repoURL, "https://", "https://oauth2:"+token+"@", 1)
}

func (m *Manager) secrets() []string {
	return dedupeNonEmpty(m.Tokens.GitHub, m.Tokens.GitLab)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	// Credential helpers and ssh can outlive git and hold the pipes open.
	cmd.WaitDelay = gitWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		secrets := m.secrets()
		redactedArgs := make([]string, len(args))
		for i, a := range args {
			redactedArgs[i] = redactSensitiveText(a, secrets)
		}
		return "", &Error{
			Args:   redactedArgs,
			Stderr: strings.TrimSpace(redactSensitiveText(stderr.String(), secrets)),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

func isGitDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// IsError reports whether err came from a failed git command.
func IsError(err error) bool {
	var werr *Error
	return errors.As(err, &werr)
}

func redactSensitiveText(msg string, secrets []string) string {
	if msg == "" {
		return msg
	}
	redacted := msg
	for _, secret := range secrets {
		redacted = strings.ReplaceAll(redacted, secret, redactedValue)
	}
	redacted = urlPattern.ReplaceAllStringFunc(redacted, func(match string) string {
		parsed, err := url.Parse(match)
		if err != nil || parsed.User == nil {
			return match
		}
		parsed.User = nil
		return parsed.String()
	})
	for _, pattern := range knownTokenPatterns {
		redacted = pattern.ReplaceAllString(redacted, redactedValue)
	}
	return redacted
}

func dedupeNonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
