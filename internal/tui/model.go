package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"prbot/internal/config"
	"prbot/internal/daemon"
	"prbot/internal/db"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// ── Styles ──────────────────────────────────────────────────────────────────

const pad = 2 // horizontal padding on each side

const refreshInterval = 3 * time.Second

var (
	frameStyle    = lipgloss.NewStyle().Padding(1, pad)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dotRunning    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render("●")
	dotStopped    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("●")
	statusStyle   = map[string]lipgloss.Style{
		db.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		db.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		db.StatusDone:       lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		db.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	taskStyle = map[string]lipgloss.Style{
		db.TaskMessage: lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		db.TaskToolUse: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		db.TaskError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		db.TaskStatus:  lipgloss.NewStyle().Foreground(lipgloss.Color("37")),
	}
)

// statusFilters is the cycle order of the list filter. "" shows all jobs.
var statusFilters = []string{"", db.StatusPending, db.StatusProcessing, db.StatusDone, db.StatusFailed}

// ── Model ───────────────────────────────────────────────────────────────────

// Model is the BubbleTea model for the job browser.
//
// Navigation depth:
//
//	selected == nil                      → Level 1 (job list)
//	selected != nil && selectedTask == nil → Level 2 (job detail + task timeline)
//	selectedTask != nil                  → Level 3 (task content)
type Model struct {
	store *db.Store
	cfg   *config.Config

	// Level 1: job list
	jobs   []db.Job
	counts map[string]int
	cursor int
	filter int // index into statusFilters

	// Level 2: job detail + tasks
	selected   *db.Job
	tasks      []db.JobTask
	taskCursor int

	// Level 3: one task, pre-rendered into lines
	selectedTask *db.JobTask
	scrollOffset int
	lines        []string

	err    error
	width  int
	height int
}

func NewModel(store *db.Store, cfg *config.Config) Model {
	return Model{store: store, cfg: cfg}
}

// Run starts the full-screen browser and blocks until the user quits.
func Run(store *db.Store, cfg *config.Config) error {
	_, err := tea.NewProgram(NewModel(store, cfg), tea.WithAltScreen()).Run()
	return err
}

// ── Messages ────────────────────────────────────────────────────────────────

type jobsMsg struct {
	jobs   []db.Job
	counts map[string]int
}
type tasksMsg struct {
	job   db.Job
	tasks []db.JobTask
}
type tickMsg time.Time
type errMsg error

// ── Init / Commands ─────────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd { return tea.Batch(m.fetchJobs, tick()) }

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) statusFilter() string { return statusFilters[m.filter] }

func (m Model) fetchJobs() tea.Msg {
	ctx := context.Background()
	jobs, err := m.store.ListJobs(ctx, db.ListJobsFilter{Status: m.statusFilter()})
	if err != nil {
		return errMsg(err)
	}
	counts := make(map[string]int, len(statusFilters)-1)
	for _, status := range statusFilters[1:] {
		n, err := m.store.CountJobs(ctx, status)
		if err != nil {
			return errMsg(err)
		}
		counts[status] = n
	}
	return jobsMsg{jobs: jobs, counts: counts}
}

func (m Model) fetchTasks() tea.Msg {
	ctx := context.Background()
	job, err := m.store.GetJob(ctx, m.selected.ID)
	if err != nil {
		return errMsg(err)
	}
	tasks, err := m.store.ListTasks(ctx, job.ID)
	if err != nil {
		return errMsg(err)
	}
	return tasksMsg{job: job, tasks: tasks}
}

// ── Update ──────────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case jobsMsg:
		m.jobs = msg.jobs
		m.counts = msg.counts
		if m.cursor >= len(m.jobs) {
			m.cursor = max(len(m.jobs)-1, 0)
		}
		m.err = nil
	case tasksMsg:
		// Discard stale response if user navigated away.
		if m.selected == nil || m.selected.ID != msg.job.ID {
			break
		}
		job := msg.job
		m.selected = &job
		m.tasks = msg.tasks
		if m.taskCursor >= len(m.tasks) {
			m.taskCursor = max(len(m.tasks)-1, 0)
		}
		m.err = nil
	case tickMsg:
		// Task content is static; only the list and timeline refresh.
		switch {
		case m.selectedTask != nil:
			return m, tick()
		case m.selected != nil:
			return m, tea.Batch(m.fetchTasks, tick())
		default:
			return m, tea.Batch(m.fetchJobs, tick())
		}
	case errMsg:
		m.err = msg
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// ── Key Handling ────────────────────────────────────────────────────────────

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	key := msg.String()
	if m.selectedTask != nil {
		return m.handleKeyTask(key)
	}
	if m.selected != nil {
		return m.handleKeyDetail(key)
	}
	return m.handleKeyList(key)
}

func (m Model) handleKeyList(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.jobs) {
			job := m.jobs[m.cursor]
			m.selected = &job
			m.tasks = nil
			m.taskCursor = 0
			return m, m.fetchTasks
		}
	case "f":
		m.filter = (m.filter + 1) % len(statusFilters)
		m.cursor = 0
		return m, m.fetchJobs
	case "r":
		return m, m.fetchJobs
	}
	return m, nil
}

func (m Model) handleKeyDetail(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.taskCursor > 0 {
			m.taskCursor--
		}
	case "down", "j":
		if m.taskCursor < len(m.tasks)-1 {
			m.taskCursor++
		}
	case "G":
		m.taskCursor = max(len(m.tasks)-1, 0)
	case "enter":
		if m.taskCursor < len(m.tasks) {
			task := m.tasks[m.taskCursor]
			m.selectedTask = &task
			m.scrollOffset = 0
			m.lines = renderTask(task, m.cw())
		}
	case "esc":
		m.selected = nil
		m.tasks = nil
		m.taskCursor = 0
		return m, m.fetchJobs
	case "r":
		return m, m.fetchTasks
	}
	return m, nil
}

func (m Model) handleKeyTask(key string) (tea.Model, tea.Cmd) {
	avail := m.scrollHeight()
	switch key {
	case "up", "k":
		if m.scrollOffset > 0 {
			m.scrollOffset--
		}
	case "down", "j":
		if m.scrollOffset < maxOffset(m.lines, avail) {
			m.scrollOffset++
		}
	case "u":
		m.scrollOffset = max(m.scrollOffset-avail/2, 0)
	case "d":
		m.scrollOffset = min(m.scrollOffset+avail/2, maxOffset(m.lines, avail))
	case "esc":
		m.selectedTask = nil
		m.lines = nil
		m.scrollOffset = 0
	}
	return m, nil
}

// ── Rendering helpers ───────────────────────────────────────────────────────

// renderTask turns a task's stored content into display lines. Agent
// messages are markdown; structured tasks are pretty-printed JSON.
func renderTask(task db.JobTask, width int) []string {
	switch task.Type {
	case db.TaskMessage:
		return renderMarkdown(task.Content, width)
	case db.TaskToolUse, db.TaskError:
		return strings.Split(prettyJSON(task.Content), "\n")
	default:
		return strings.Split(task.Content, "\n")
	}
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to plain text splitting on error.
func renderMarkdown(text string, width int) []string {
	if strings.TrimSpace(text) == "" {
		return []string{"(empty message)"}
	}
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered, err := r.Render(text)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered = strings.TrimRight(rendered, "\n")
	return strings.Split(rendered, "\n")
}

func prettyJSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return s
	}
	return string(out)
}

// taskSummary is the one-line timeline label for a task.
func taskSummary(task db.JobTask) string {
	switch task.Type {
	case db.TaskToolUse:
		var t struct {
			Tool  string         `json:"tool"`
			Input map[string]any `json:"input"`
		}
		if json.Unmarshal([]byte(task.Content), &t) == nil && t.Tool != "" {
			if cmd, ok := t.Input["command"].(string); ok {
				return t.Tool + ": " + firstLine(cmd)
			}
			if path, ok := t.Input["path"].(string); ok {
				return t.Tool + ": " + path
			}
			return t.Tool
		}
	case db.TaskError:
		var e struct {
			Error string `json:"error"`
			Retry int    `json:"retry"`
			Fatal bool   `json:"fatal"`
		}
		if json.Unmarshal([]byte(task.Content), &e) == nil && e.Error != "" {
			label := fmt.Sprintf("retry %d: ", e.Retry)
			if e.Fatal {
				label = "fatal: "
			}
			return label + firstLine(e.Error)
		}
	}
	return firstLine(task.Content)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (m Model) cw() int {
	w := m.width - pad*2
	if w < 40 {
		w = 76 // sensible default before first WindowSizeMsg
	}
	return w
}

func (m Model) scrollHeight() int {
	// Reserve lines for chrome: frame padding(2) + title(1) + separator(1) + metadata(~4) + footer(2).
	return max(m.height-12, 1)
}

func (m Model) daemonRunning() bool {
	return m.cfg != nil && daemon.IsRunning(m.cfg.PIDFile)
}

func maxOffset(lines []string, avail int) int {
	return max(len(lines)-avail, 0)
}

func scrollWindow(lines []string, offset, avail int) (int, int) {
	avail = max(avail, 1)
	start := min(offset, len(lines))
	end := min(start+avail, len(lines))
	return start, end
}

func scrollPercent(lines []string, offset, avail int) string {
	mx := len(lines) - avail
	if mx <= 0 {
		return ""
	}
	return fmt.Sprintf("  [%d%%]", offset*100/mx)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// padRight pads a plain string to n runes with spaces.
func padRight(s string, n int) string {
	if l := len([]rune(s)); l < n {
		return s + strings.Repeat(" ", n-l)
	}
	return s
}
