// Package api serves webhook ingestion and the operational HTTP surface:
// jobs, projects and worker control.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"

	"prbot/internal/db"
	"prbot/internal/parser"
	"prbot/internal/worker"
)

const maxBodySize = 1 << 20 // 1MB

// Workers is the worker lifecycle control the API exposes.
type Workers interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() worker.Status
	Wake()
}

// Options configures the server. Zero values disable the secret check and
// the rate limit.
type Options struct {
	WebhookSecret string
	// RateLimit is webhook requests per minute per client IP.
	RateLimit   int
	CORSOrigins []string
}

type Server struct {
	store     *db.Store
	parsers   *parser.Registry
	workers   Workers
	opts      Options
	handler   http.Handler
	startedAt time.Time

	// Fixed-window rate limiter: per-IP webhook count per minute.
	mu         sync.Mutex
	rates      map[string]int
	rateWindow int64
}

func NewServer(store *db.Store, parsers *parser.Registry, workers Workers, opts Options) *Server {
	s := &Server{
		store:     store,
		parsers:   parsers,
		workers:   workers,
		opts:      opts,
		startedAt: time.Now(),
		rates:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook/{source}", s.handleWebhook)

	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/tasks", s.handleListTasks)

	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("GET /projects/{source}/{source_project_id}", s.handleGetProject)
	mux.HandleFunc("DELETE /projects/{source}/{source_project_id}", s.handleDeleteProject)

	mux.HandleFunc("GET /worker/status", s.handleWorkerStatus)
	mux.HandleFunc("POST /worker/start", s.handleWorkerStart)
	mux.HandleFunc("POST /worker/stop", s.handleWorkerStop)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.CountJobs(r.Context(), db.StatusPending)
	if err != nil {
		slog.Error("health: count pending jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": max(int(time.Since(s.startedAt).Seconds()), 0),
		"pending_jobs":   pending,
		"worker":         s.workers.Status().Status,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	if s.opts.WebhookSecret != "" {
		token := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.WebhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	source := r.PathValue("source")
	p, err := s.parsers.Get(source)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	report, err := p.Parse(body)
	if err != nil {
		var verr *parser.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("webhook: invalid payload", "source", source, "err", err)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		slog.Error("webhook: parse", "source", source, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ctx := r.Context()
	exists, err := s.store.JobExists(ctx, report.Source, report.SourceIssueID)
	if err != nil {
		slog.Error("webhook: check existing job", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if exists {
		s.writeDuplicate(w, report)
		return
	}

	jobID, err := s.store.CreateJob(ctx, report)
	if err != nil {
		// A concurrent delivery of the same issue won the insert.
		if errors.Is(err, db.ErrDuplicate) {
			s.writeDuplicate(w, report)
			return
		}
		slog.Error("webhook: create job", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.workers.Wake()

	slog.Info("webhook: job created",
		"job_id", jobID,
		"source", report.Source,
		"issue", report.SourceIssueID,
		"title", report.Title)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "created",
		"job_id":   jobID,
		"source":   report.Source,
		"issue_id": report.SourceIssueID,
		"title":    report.Title,
	})
}

func (s *Server) writeDuplicate(w http.ResponseWriter, report db.ErrorReport) {
	slog.Info("webhook: duplicate issue", "source", report.Source, "issue", report.SourceIssueID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "duplicate",
		"source":   report.Source,
		"issue_id": report.SourceIssueID,
	})
}

// allow counts a request against ip's budget for the current minute.
func (s *Server) allow(ip string) bool {
	if s.opts.RateLimit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	window := time.Now().Unix() / 60
	if s.rateWindow != window {
		clear(s.rates)
		s.rateWindow = window
	}
	s.rates[ip]++
	return s.rates[ip] <= s.opts.RateLimit
}

func clientIP(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	return ip
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
