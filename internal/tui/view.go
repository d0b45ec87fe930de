package tui

import (
	"fmt"
	"strings"

	"prbot/internal/cost"
	"prbot/internal/db"

	"github.com/charmbracelet/lipgloss"
)

func (m Model) View() string {
	var body string
	switch {
	case m.selectedTask != nil:
		body = m.taskView()
	case m.selected != nil:
		body = m.detailView()
	default:
		body = m.listView()
	}
	if m.err != nil {
		body += "\n" + errorStyle.Render("error: "+m.err.Error())
	}
	return frameStyle.Render(body)
}

func styleFor(styles map[string]lipgloss.Style, key string) lipgloss.Style {
	if st, ok := styles[key]; ok {
		return st
	}
	return dimStyle
}

// ── Level 1: Job List ───────────────────────────────────────────────────────

func (m Model) listView() string {
	var b strings.Builder
	w := m.cw()

	b.WriteString(titleStyle.Render("PRBOT"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n\n")

	daemonDot := dotStopped
	daemonLabel := "stopped"
	if m.daemonRunning() {
		daemonDot = dotRunning
		daemonLabel = "running"
	}
	dashKV := func(k, v string) {
		b.WriteString(fmt.Sprintf("  %s  %s\n", labelStyle.Render(padRight(k, 9)), v))
	}
	dashKV("daemon", daemonDot+" "+daemonLabel)
	if m.cfg != nil {
		dashKV("poll", m.cfg.PollInterval().String())
		dashKV("model", m.cfg.LLM.Model+"  "+dimStyle.Render(cost.FormatRate(m.cfg.LLM.Model)))
	}
	filter := m.statusFilter()
	if filter == "" {
		filter = "all"
	}
	dashKV("filter", filter)
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d\n",
		statusStyle[db.StatusPending].Render("pending"), m.counts[db.StatusPending],
		statusStyle[db.StatusProcessing].Render("processing"), m.counts[db.StatusProcessing],
		statusStyle[db.StatusDone].Render("done"), m.counts[db.StatusDone],
		statusStyle[db.StatusFailed].Render("failed"), m.counts[db.StatusFailed],
	))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	const (
		colJob    = 10
		colStatus = 12
		colSource = 20
		colRetry  = 7
		colTitle  = 50
	)

	if len(m.jobs) == 0 {
		b.WriteString(dimStyle.Render("No jobs found. Waiting for webhooks..."))
		b.WriteString("\n")
	} else {
		header := "  " +
			headerStyle.Render(padRight("JOB", colJob)) +
			headerStyle.Render(padRight("STATUS", colStatus)) +
			headerStyle.Render(padRight("SOURCE", colSource)) +
			headerStyle.Render(padRight("RETRY", colRetry)) +
			headerStyle.Render(padRight("TITLE", colTitle)) +
			headerStyle.Render("UPDATED")
		b.WriteString(header)
		b.WriteString("\n")

		for i, job := range m.jobs {
			cursor := "  "
			if i == m.cursor {
				cursor = "> "
			}
			source := truncate(job.Source+" #"+job.SourceIssueID, colSource-1)

			updated := job.UpdatedAt
			if len(updated) > 11 {
				updated = updated[11:]
			}

			line := cursor +
				padRight(db.ShortID(job.ID), colJob) +
				styleFor(statusStyle, job.Status).Render(padRight(job.Status, colStatus)) +
				padRight(source, colSource) +
				padRight(fmt.Sprintf("%d", job.RetryCount), colRetry) +
				padRight(truncate(job.Title, colTitle-2), colTitle) +
				dimStyle.Render(updated)

			if i == m.cursor {
				line = selectedStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k navigate  enter details  f filter  r refresh  q quit"))
	return b.String()
}

// ── Level 2: Job Detail + Task Timeline ─────────────────────────────────────

func (m Model) detailView() string {
	var b strings.Builder
	w := m.cw()
	job := m.selected

	b.WriteString(titleStyle.Render("JOB"))
	b.WriteString(dimStyle.Render("  " + job.ID))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	kv := func(k, v string) {
		if v == "" {
			return
		}
		b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-11s", k)), v))
	}
	kv("Status", styleFor(statusStyle, job.Status).Render(job.Status))
	kv("Title", truncate(job.Title, w-12))
	kv("Source", job.Source+" #"+job.SourceIssueID)
	kv("Project", job.SourceProjectID)
	kv("Level", job.Level)
	kv("Env", job.Environment)
	if job.Filename != "" {
		kv("Location", fmt.Sprintf("%s:%d in %s", job.Filename, job.Lineno, job.Function))
	}
	kv("Branch", job.WorkBranch)
	kv("Retries", fmt.Sprintf("%d", job.RetryCount))
	kv("Link", job.SourceURL)
	if job.ErrorLog != "" {
		kv("Error", errorStyle.Render(truncate(firstLine(job.ErrorLog), w-12)))
	}
	kv("Created", job.CreatedAt)
	kv("Updated", job.UpdatedAt)

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("TASKS (%d)", len(m.tasks))))
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("  No tasks recorded yet."))
		b.WriteString("\n")
	}

	// Keep the cursor visible in long timelines.
	avail := max(m.height-22, 5)
	start := 0
	if m.taskCursor >= avail {
		start = m.taskCursor - avail + 1
	}
	end := min(start+avail, len(m.tasks))
	for i := start; i < end; i++ {
		task := m.tasks[i]
		cursor := "  "
		if i == m.taskCursor {
			cursor = "> "
		}
		line := cursor +
			padRight(fmt.Sprintf("%3d", task.Sequence), 5) +
			styleFor(taskStyle, task.Type).Render(padRight(task.Type, 10)) +
			truncate(taskSummary(task), max(w-18, 10))
		if i == m.taskCursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k navigate  G last  enter view  r refresh  esc back  q quit"))
	return b.String()
}

// ── Level 3: Task Content ───────────────────────────────────────────────────

func (m Model) taskView() string {
	var b strings.Builder
	w := m.cw()
	task := m.selectedTask

	b.WriteString(titleStyle.Render(fmt.Sprintf("TASK #%d", task.Sequence)))
	b.WriteString(dimStyle.Render("  " + db.ShortID(task.JobID)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render("Type      "), styleFor(taskStyle, task.Type).Render(task.Type)))
	b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render("Created   "), task.CreatedAt))
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	avail := m.scrollHeight()
	start, end := scrollWindow(m.lines, m.scrollOffset, avail)
	for _, line := range m.lines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k scroll  u/d half page  esc back  q quit" + scrollPercent(m.lines, m.scrollOffset, avail)))
	return b.String()
}
