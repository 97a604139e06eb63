package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/eventlog"
	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/metrics"
	"github.com/foxzi/campaignd/internal/scheduler"
)

const (
	defaultJobLimit = 100
	defaultLogLimit = 500
)

// CreateJobResponse is the response for POST /jobs
type CreateJobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

// JobListResponse is the response for GET /jobs
type JobListResponse struct {
	Stats *job.Stats    `json:"stats"`
	Jobs  []*JobSummary `json:"jobs"`
}

// JobSummary is a job without its payload
type JobSummary struct {
	ID           string        `json:"id"`
	Status       job.Status    `json:"status"`
	MediaType    string        `json:"mediaType"`
	Targets      int           `json:"targets"`
	Progress     *job.Progress `json:"progress,omitempty"`
	Results      *job.Results  `json:"results,omitempty"`
	Error        string        `json:"error,omitempty"`
	ScheduleTime *time.Time    `json:"scheduleTime,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// AppendLogRequest is the request body for POST /logs
type AppendLogRequest struct {
	Type eventlog.Type `json:"type"`
	Text string        `json:"text"`
}

// SuccessResponse acknowledges an action
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string     `json:"status"`
	Version string     `json:"version"`
	Uptime  string     `json:"uptime"`
	Jobs    *job.Stats `json:"jobs,omitempty"`
	Active  int        `json:"active"`  // Jobs dispatching in this process
	Pending int        `json:"pending"` // Jobs waiting on an activation timer
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func summarize(j *job.Job) *JobSummary {
	return &JobSummary{
		ID:           j.ID,
		Status:       j.Status,
		MediaType:    j.MediaType,
		Targets:      len(j.Targets),
		Progress:     j.Progress,
		Results:      j.Results,
		Error:        j.Error,
		ScheduleTime: j.ScheduleTime,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.ListFilter{Limit: defaultJobLimit}

	if status := job.Status(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			s.sendError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = status
	}

	var ok bool
	if filter.Limit, ok = queryInt(r, "limit", defaultJobLimit); !ok {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, ok = queryInt(r, "offset", 0); !ok {
		s.sendError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get job stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job stats")
		return
	}

	jobs, err := s.deps.Jobs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	summaries := make([]*JobSummary, len(jobs))
	for i, j := range jobs {
		summaries[i] = summarize(j)
	}

	s.sendJSON(w, http.StatusOK, JobListResponse{
		Stats: stats,
		Jobs:  summaries,
	})
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	j, err := req.Build(s.deps.DefaultDelays, s.now())
	if err != nil {
		metrics.IncAPIErrors("validation")
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Jobs.Append(r.Context(), j); err != nil {
		s.logger.Error("failed to store job", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	s.deps.Scheduler.Submit(j)

	s.logger.Info("job created via API",
		"job_id", j.ID,
		"targets", len(j.Targets),
		"media_type", j.MediaType,
		"due_at", j.DueAt(),
	)

	s.sendJSON(w, http.StatusAccepted, CreateJobResponse{
		Success: true,
		JobID:   j.ID,
	})
}

// handleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	s.sendJSON(w, http.StatusOK, j)
}

// handleCancelJob handles DELETE /api/v1/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Scheduler.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, scheduler.ErrNotCancellable):
			s.sendError(w, http.StatusConflict, "Job already finished")
		default:
			s.logger.Error("failed to cancel job", "job_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to cancel job")
		}
		return
	}

	s.logger.Info("job cancelled via API", "job_id", id)
	s.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleInstanceStatus handles GET /api/v1/instance/status
func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Provider.Config()
	if !cfg.Complete() {
		s.sendError(w, http.StatusBadRequest, "Gateway is not configured")
		return
	}

	status := s.deps.Gateway.CheckConnection(r.Context(), cfg)
	metrics.IncGatewayChecks(status.Connected)

	s.sendJSON(w, http.StatusOK, status)
}

// handleListLogs handles GET /api/v1/logs
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultLogLimit)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.deps.Logs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list logs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}

	s.sendJSON(w, http.StatusOK, entries)
}

// handleAppendLog handles POST /api/v1/logs
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req AppendLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = eventlog.TypeInfo
	}
	if !req.Type.Valid() {
		s.sendError(w, http.StatusBadRequest, "invalid type")
		return
	}
	if req.Text == "" {
		s.sendError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.deps.Logs.Append(r.Context(), req.Type, req.Text); err != nil {
		s.logger.Error("failed to append log", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save log")
		return
	}

	s.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleClearLogs handles DELETE /api/v1/logs
func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Logs.Clear(r.Context()); err != nil {
		s.logger.Error("failed to clear logs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}

	s.sendJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Logs cleared"})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.deps.Jobs.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Jobs:    stats,
		Active:  s.deps.Scheduler.Active(),
		Pending: s.deps.Scheduler.Pending(),
	})
}

// queryInt parses a non-negative integer query parameter
func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
