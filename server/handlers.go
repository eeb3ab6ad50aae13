package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/schedule"
)

// defaultExecutionLimit applies when ?limit= is absent
const defaultExecutionLimit = 20

// HandleHealth reports scheduler health; unhealthy maps to 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status == schedule.HealthUnhealthy {
		status = http.StatusServiceUnavailable
		s.requestLogger(r).Warnw("Health check failed", logger.FieldError, report.Err())
	}
	writeJSON(w, status, report)
}

// HandleStats returns the ticker counters.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil {
		writeWrappedError(w, s.requestLogger(r), errors.Wrap(errors.ErrServiceUnavailable, "ticker not running"), "ticker not running")
		return
	}
	writeJSON(w, http.StatusOK, s.ticker.GetStats())
}

// HandleListJobs lists every job
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.manager.ListJobs(r.Context())
	if err != nil {
		writeWrappedError(w, s.requestLogger(r), err, "failed to list jobs")
		return
	}

	response := ListJobsResponse{
		Jobs:  make([]JobResponse, 0, len(jobs)),
		Count: len(jobs),
	}
	for _, job := range jobs {
		response.Jobs = append(response.Jobs, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleGetJob returns one job by name
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeWrappedError(w, s.requestLogger(r), err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// HandleJobExecutions returns the newest executions of a job.
func (s *Server) HandleJobExecutions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	limit := defaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	execs, err := s.manager.ListExecutions(r.Context(), name, limit)
	if err != nil {
		writeWrappedError(w, s.requestLogger(r), err, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, ListExecutionsResponse{Executions: execs, Count: len(execs)})
}

// HandleEnableJob re-enables a job
func (s *Server) HandleEnableJob(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "enable", s.manager.Enable)
}

// HandleDisableJob disables a job
func (s *Server) HandleDisableJob(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "disable", s.manager.Disable)
}

// HandleTriggerJob makes a job due now
func (s *Server) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "trigger", s.manager.Trigger)
}

// HandleDeleteJob removes a job and its history
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	logger.AddPulseSymbol(s.requestLogger(r)).Infow("Pulse delete job", logger.FieldJobName, name, "remote", r.RemoteAddr)

	if err := s.manager.Delete(r.Context(), name); err != nil {
		writeWrappedError(w, s.requestLogger(r), err, "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleScheduleOnce creates a one-time job
func (s *Server) HandleScheduleOnce(w http.ResponseWriter, r *http.Request) {
	var req ScheduleOnceRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	req.HandlerRef = strings.TrimSpace(req.HandlerRef)
	if req.HandlerRef == "" {
		writeError(w, http.StatusBadRequest, "handler_ref is required")
		return
	}
	if s.handlers != nil && !s.handlers.HasType(req.HandlerRef) {
		writeError(w, http.StatusBadRequest, "handler '"+req.HandlerRef+"' not available (registered: "+strings.Join(s.handlers.Types(), ", ")+")")
		return
	}

	logger.AddPulseSymbol(s.requestLogger(r)).Infow("Pulse schedule once",
		logger.FieldJobName, req.Name,
		logger.FieldHandler, req.HandlerRef,
		"run_at", req.RunAt,
		"remote", r.RemoteAddr)

	job, err := s.manager.ScheduleOnce(r.Context(), req.Name, req.RunAt, req.HandlerRef, req.Payload)
	if err != nil {
		writeWrappedError(w, s.requestLogger(r), err, "failed to schedule job")
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, name string) (*schedule.Job, error)) {
	name := chi.URLParam(r, "name")
	logger.AddPulseSymbol(s.requestLogger(r)).Infow("Pulse "+action+" job", logger.FieldJobName, name, "remote", r.RemoteAddr)

	job, err := op(r.Context(), name)
	if err != nil {
		writeWrappedError(w, s.requestLogger(r), err, "failed to "+action+" job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}
