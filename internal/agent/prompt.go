package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"prbot/internal/db"
)

// SystemPrompt is sent with every model call unless a template file
// overrides it.
const SystemPrompt = `You are an expert software engineer tasked with fixing bugs in a codebase.
You have been given information about an error that occurred in production.
Your job is to:
1. Analyze the error and stacktrace
2. Locate the root cause in the source code
3. Implement a minimal, correct fix
4. Commit the fix with a clear commit message

Rules:
- Only fix the specific bug reported. Do not refactor or improve unrelated code.
- Use the bash tool to read files, run tests, and commit changes.
- If you cannot reproduce or understand the issue after investigation, commit a comment explaining what you found.
- Always end with a git commit. The branch is already created, just commit your changes.
- Do NOT push to remote. The system will handle that.
- Commit message format: "fix: <short description>\n\n<details if needed>"
`

// maxReportLen caps free-text report fields copied into the prompt.
const maxReportLen = 50000

// LoadSystemPrompt reads a system prompt override from disk. It returns
// SystemPrompt if path is empty or unreadable.
func LoadSystemPrompt(path string) string {
	if path == "" {
		return SystemPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SystemPrompt
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return SystemPrompt
}

// BuildUserPrompt renders the first user turn for job. Fields that came from
// the error tracker are sanitized before inclusion.
func BuildUserPrompt(job db.Job, repoDir, workBranch string) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("## Error Report")
	line("")
	line("**Title**: %s", sanitizeReportText(job.Title))
	line("**Source**: %s (issue: %s)", job.Source, job.SourceIssueID)
	line("**Environment**: %s", orDefault(job.Environment, "unknown"))
	line("**Level**: %s", orDefault(job.Level, "error"))
	line("")
	line("**Exception**: %s", orDefault(job.ExceptionType, "Unknown"))
	line("**Message**: %s", orDefault(sanitizeReportText(job.Message), "(no message)"))
	if job.Transaction != "" {
		line("**Endpoint**: %s", job.Transaction)
	}

	line("")
	line("**Error Location**:")
	line("- File: `%s`", orDefault(job.Filename, "unknown"))
	if job.Lineno > 0 {
		line("- Line: %d", job.Lineno)
	} else {
		line("- Line: unknown")
	}
	line("- Function: `%s`", orDefault(job.Function, "unknown"))

	if frames := formatFrames(job); frames != "" {
		line("")
		line("**Stacktrace** (in-app frames only, innermost last):")
		line("```")
		line("%s", frames)
		line("```")
	}

	if job.SourceURL != "" {
		line("")
		line("**Source URL**: %s", job.SourceURL)
	}

	line("")
	line("## Workspace")
	line("- Repository: `%s`", repoDir)
	line("- Branch: `%s` (already checked out)", workBranch)
	line("")
	b.WriteString("Please investigate, fix the bug, and commit your changes.")
	return b.String()
}

// formatFrames renders one line per frame plus the offending source line.
// An undecodable stacktrace is passed through as-is.
func formatFrames(job db.Job) string {
	frames, err := job.Frames()
	if err != nil {
		return sanitizeReportText(job.Stacktrace)
	}
	lines := make([]string, 0, len(frames))
	for _, f := range frames {
		loc := orDefault(f.Filename, "?")
		if f.Lineno > 0 {
			loc = fmt.Sprintf("%s:%d", loc, f.Lineno)
		}
		entry := fmt.Sprintf("  %s in %s()", loc, f.Function)
		if ctx := strings.TrimSpace(f.ContextLine); ctx != "" {
			entry += "\n    > " + ctx
		}
		lines = append(lines, entry)
	}
	return strings.Join(lines, "\n")
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)
var promptInstructionRe = regexp.MustCompile(`(?im)^\s*(ignore|disregard|override|act as|do not|you are|system|assistant|developer|user)\b`)

// sanitizeReportText strips markup, quotes lines that read like
// instructions to the model, and truncates.
func sanitizeReportText(s string) string {
	s = strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if promptInstructionRe.MatchString(l) {
			lines[i] = "> " + strings.TrimSpace(l)
		}
	}
	s = strings.Join(lines, "\n")
	if len(s) > maxReportLen {
		s = truncateUTF8(s, maxReportLen) + "\n... (truncated)"
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
