package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("worker is already running")
	ErrNotRunning     = errors.New("worker is not running")
	// ErrStopStuck means the worker ignored cancellation after the stop
	// timeout and is still running.
	ErrStopStuck = errors.New("worker did not exit after cancellation")
)

// defaultAbandonGrace bounds the wait for a cancelled worker to return.
const defaultAbandonGrace = 10 * time.Second

// Lifecycle states reported by Manager.Status.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateCrashed = "crashed"
)

// Status is a point-in-time view of the worker.
type Status struct {
	Status       string     `json:"status"`
	CurrentJobID string     `json:"current_job_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Manager owns the single background worker for the hosting process.
type Manager struct {
	newWorker    func() *Worker
	abandonGrace time.Duration

	mu        sync.Mutex
	worker    *Worker
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	stoppedAt time.Time
	lastErr   error
	crashed   bool
}

// NewManager returns a stopped manager. newWorker is called on every Start
// so a restarted worker begins with fresh state.
func NewManager(newWorker func() *Worker) *Manager {
	return &Manager{newWorker: newWorker, abandonGrace: defaultAbandonGrace}
}

// Start launches the worker. The worker runs until Stop, even if ctx is the
// request context of whoever started it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running() {
		return ErrAlreadyRunning
	}

	w := m.newWorker()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.worker = w
	m.cancel = cancel
	m.done = done
	m.startedAt = time.Now().UTC()
	m.stoppedAt = time.Time{}
	m.lastErr = nil
	m.crashed = false

	go func() {
		defer close(done)
		err := w.Run(runCtx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			slog.Error("worker crashed", "err", err)
			m.lastErr = err
			m.crashed = true
		}
		if m.stoppedAt.IsZero() {
			m.stoppedAt = time.Now().UTC()
		}
	}()
	slog.Info("worker manager: started")
	return nil
}

// Stop signals the worker and waits up to timeout for it to finish its
// current job. On timeout the job's context is cancelled and Stop returns
// nil; the abandonment is logged.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running() {
		m.mu.Unlock()
		return ErrNotRunning
	}
	w, cancel, done := m.worker, m.cancel, m.done
	m.mu.Unlock()

	w.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("worker did not stop in time; abandoning current job", "timeout", timeout, "job", w.CurrentJobID())
		cancel()
		grace := time.NewTimer(m.abandonGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			slog.Error("worker ignored cancellation", "grace", m.abandonGrace, "job", w.CurrentJobID())
			return ErrStopStuck
		}
	}
	cancel()

	m.mu.Lock()
	m.stoppedAt = time.Now().UTC()
	m.mu.Unlock()
	slog.Info("worker manager: stopped")
	return nil
}

// Wake nudges a running worker to poll now.
func (m *Manager) Wake() {
	m.mu.Lock()
	w := m.worker
	running := m.running()
	m.mu.Unlock()
	if running {
		w.Wake()
	}
}

// Running reports whether the worker goroutine is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running()
}

func (m *Manager) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Status: StateStopped}
	switch {
	case m.running():
		st.Status = StateRunning
		st.CurrentJobID = m.worker.CurrentJobID()
	case m.crashed:
		st.Status = StateCrashed
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		st.StartedAt = &t
	}
	if !m.stoppedAt.IsZero() && !m.running() {
		t := m.stoppedAt
		st.StoppedAt = &t
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}
