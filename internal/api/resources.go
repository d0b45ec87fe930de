package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"prbot/internal/db"
	"prbot/internal/worker"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	defaultStopWait  = 30 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !db.IsValidStatus(status) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", status))
		return
	}
	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be an integer >= 1")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", maxPageLimit))
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), db.ListJobsFilter{
		Status: status,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		slog.Error("api: list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if jobs == nil {
		jobs = []db.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, "get job", "job not found", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.store.GetJob(ctx, id); err != nil {
		s.writeStoreError(w, "get job", "job not found", err)
		return
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		slog.Error("api: list tasks", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tasks == nil {
		tasks = []db.JobTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		slog.Error("api: list projects", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if projects == nil {
		projects = []db.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

type createProjectRequest struct {
	Source          string `json:"source" validate:"required,oneof=sentry cloudwatch datadog"`
	SourceProjectID string `json:"source_project_id" validate:"required"`
	RepoURL         string `json:"repo_url" validate:"required"`
	RepoPlatform    string `json:"repo_platform" validate:"required,oneof=github gitlab"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}

	p, err := s.store.CreateProject(r.Context(), db.NewProject{
		Source:          req.Source,
		SourceProjectID: req.SourceProjectID,
		RepoURL:         req.RepoURL,
		RepoPlatform:    req.RepoPlatform,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("api: create project", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("api: project registered", "source", p.Source, "source_project_id", p.SourceProjectID, "repo", p.RepoURL)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("source"), r.PathValue("source_project_id"))
	if err != nil {
		s.writeStoreError(w, "get project", "project not found", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteProject(r.Context(), r.PathValue("source"), r.PathValue("source_project_id"))
	if err != nil {
		s.writeStoreError(w, "delete project", "project not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.Status())
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.workers.Start(r.Context()); err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("api: start worker", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "started"})
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	timeout := defaultStopWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a non-negative number of seconds")
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	if err := s.workers.Stop(timeout); err != nil {
		if errors.Is(err, worker.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("api: stop worker", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "stopped"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op, notFound string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	slog.Error("api: "+op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag())
	}
	return err.Error()
}
