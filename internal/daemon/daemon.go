// Package daemon wires the store, worker and HTTP API into a long-running
// process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"prbot/internal/agent"
	"prbot/internal/api"
	"prbot/internal/config"
	"prbot/internal/db"
	"prbot/internal/llm"
	"prbot/internal/notify"
	"prbot/internal/parser"
	"prbot/internal/worker"
	"prbot/internal/workspace"
)

const httpShutdownTimeout = 10 * time.Second

// Mode selects what Run hosts.
type Mode int

const (
	// ModeServe runs the HTTP API and the worker.
	ModeServe Mode = iota
	// ModeWorker runs only the worker, which always starts.
	ModeWorker
)

// OpenStore opens the job database, creating its directory if needed.
func OpenStore(path string) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	// Orphaned WAL sidecars from a deleted database would be replayed.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.Remove(path + "-shm")
		_ = os.Remove(path + "-wal")
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return store, nil
}

// NewManager builds the worker manager and everything a worker depends on.
func NewManager(cfg *config.Config, store *db.Store) *worker.Manager {
	if cfg.Tokens.Anthropic == "" {
		slog.Warn("no anthropic api key configured; jobs will fail until one is set")
	}

	ws := workspace.New(cfg.WorkspaceDir,
		workspace.Tokens{GitHub: cfg.Tokens.GitHub, GitLab: cfg.Tokens.GitLab},
		workspace.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail})

	runner := agent.NewRunner(llm.NewAnthropic(cfg.LLM.BaseURL, cfg.Tokens.Anthropic))
	runner.Model = cfg.LLM.Model
	runner.MaxTokens = cfg.LLM.MaxTokens
	runner.MaxTurns = cfg.LLM.MaxTurns
	runner.System = agent.LoadSystemPrompt(cfg.LLM.SystemPromptFile)
	runner.Tools = agent.NewRegistry(agent.BashTool(cfg.BashTimeout()), agent.WriteFileTool())

	notifier := notify.NewNotifier(notify.BuildSenders(cfg.Notifications, nil), cfg.Notifications.Triggers)
	opts := worker.Options{
		PollInterval: cfg.PollInterval(),
		MaxRetry:     cfg.Worker.MaxRetry,
		Notifier:     notifier,
	}
	return worker.NewManager(func() *worker.Worker {
		return worker.New(store, ws, runner, opts)
	})
}

// Run hosts the daemon until ctx ends or SIGINT/SIGTERM arrives, then stops
// the worker within worker.stop_timeout and the HTTP server within 10s.
func Run(ctx context.Context, cfg *config.Config, mode Mode) error {
	if IsRunning(cfg.PIDFile) {
		return fmt.Errorf("daemon is already running (see %s)", cfg.PIDFile)
	}
	if err := WritePID(cfg.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.PIDFile)

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	recovered, err := store.RecoverInFlightJobs(ctx)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if len(recovered) > 0 {
		slog.Info("recovered in-flight jobs", "count", len(recovered), "jobs", recovered)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := NewManager(cfg, store)
	if mode == ModeWorker || cfg.AutoStart() {
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpSrv *http.Server
	if mode == ModeServe {
		srv := api.NewServer(store, parser.DefaultRegistry(), manager, api.Options{
			WebhookSecret: cfg.Server.WebhookSecret,
			RateLimit:     cfg.Server.RateLimit,
			CORSOrigins:   cfg.Server.CORSOrigins,
		})
		httpSrv = &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server starting", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		go forceExitOnSecondSignal()

		var errs []error
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := manager.Stop(cfg.StopTimeout()); err != nil && !errors.Is(err, worker.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop worker: %w", err))
		}
		return errors.Join(errs...)
	})

	slog.Info("daemon started",
		"mode", mode.String(),
		"addr", cfg.Server.Addr(),
		"worker", manager.Status().Status,
		"db", cfg.DBPath)

	err = g.Wait()
	slog.Info("daemon stopped")
	return err
}

func (m Mode) String() string {
	if m == ModeWorker {
		return "worker"
	}
	return "serve"
}

func forceExitOnSecondSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Error("second signal received, forcing exit")
	os.Exit(1)
}
