// Package controlserver exposes the scheduler/worker/store state over
// HTTP. Route structure, request/response shape, and the
// context-bounded /health ping are grounded on the teacher's
// internal/controlplane/server.go (net/http.ServeMux, encoding/json,
// sentinel-error-to-status mapping), re-themed from task/lease/memory
// endpoints to schedule/job/task endpoints.
package controlserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidecron/scheduler/internal/apschederr"
	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/scheduler"
	"github.com/tidecron/scheduler/internal/store"
	"github.com/tidecron/scheduler/internal/trigger"
	"github.com/tidecron/scheduler/internal/worker"
)

// Version is set at build time or defaults to "dev".
var Version = "dev"

// Server provides the HTTP status/control API.
type Server struct {
	store     store.Store
	scheduler *scheduler.Scheduler // nil when this process runs no scheduler
	worker    *worker.Worker       // nil when this process runs no worker
	addr      string
	logger    *zap.Logger
	server    *http.Server
}

// New creates a Server. scheduler and worker may be nil if this
// process doesn't run one of them.
func New(s store.Store, sched *scheduler.Scheduler, w *worker.Worker, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: s, scheduler: sched, worker: w, addr: addr, logger: logger}
}

// Start runs the HTTP server until it errors or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/schedules", s.handleSchedules)
	mux.HandleFunc("/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	mux.HandleFunc("/workers", s.handleWorkers)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("control server starting", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{OK: true, Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	if _, err := s.store.GetTasks(ctx); err != nil {
		s.logger.Error("health check: store unreachable", zap.Error(err))
		resp.OK = false
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.store.GetTasks(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	ID               string         `json:"id"`
	Func             string         `json:"func"`
	MaxRunningJobs   *int           `json:"max_running_jobs"`
	MisfireGraceTime *time.Duration `json:"misfire_grace_time"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = req.Func
	}

	task := &apschedtypes.Task{
		ID:               req.ID,
		Func:             req.Func,
		MaxRunningJobs:   req.MaxRunningJobs,
		MisfireGraceTime: req.MisfireGraceTime,
	}
	if err := s.store.AddTask(r.Context(), task); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.store.RemoveTask(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.store.GetSchedules(r.Context(), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	case http.MethodPost:
		s.createSchedule(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createScheduleRequest struct {
	ID               string                    `json:"id"`
	TaskID           string                    `json:"task_id"`
	Func             string                    `json:"func"`
	MaxRunningJobs   *int                      `json:"max_running_jobs"`
	TriggerKind      string                    `json:"trigger_kind"`
	Interval         *time.Duration            `json:"interval"`
	RunAt            *time.Time                `json:"run_at"`
	Cron             string                    `json:"cron"`
	Args             []byte                    `json:"args"`
	Kwargs           []byte                    `json:"kwargs"`
	Tags             []string                  `json:"tags"`
	Coalesce         apschedtypes.CoalescePolicy  `json:"coalesce"`
	MisfireGraceTime *time.Duration            `json:"misfire_grace_time"`
	ConflictPolicy   apschedtypes.ConflictPolicy `json:"conflict_policy"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "no scheduler configured on this process", http.StatusServiceUnavailable)
		return
	}
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	trig, err := buildTrigger(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.scheduler.AddSchedule(r.Context(), scheduler.ScheduleOptions{
		ID:               req.ID,
		TaskID:           req.TaskID,
		Func:             req.Func,
		MaxRunningJobs:   req.MaxRunningJobs,
		Trigger:          trig,
		Args:             req.Args,
		Kwargs:           req.Kwargs,
		Tags:             req.Tags,
		Coalesce:         req.Coalesce,
		MisfireGraceTime: req.MisfireGraceTime,
		ConflictPolicy:   req.ConflictPolicy,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"schedule_id": id})
}

func buildTrigger(req createScheduleRequest) (trigger.Trigger, error) {
	switch req.TriggerKind {
	case "interval":
		if req.Interval == nil {
			return nil, errors.New("interval is required for trigger_kind=interval")
		}
		return trigger.NewIntervalTrigger(*req.Interval, time.Time{}), nil
	case "date":
		if req.RunAt == nil {
			return nil, errors.New("run_at is required for trigger_kind=date")
		}
		return trigger.NewDateTrigger(*req.RunAt), nil
	case "cron":
		if req.Cron == "" {
			return nil, errors.New("cron is required for trigger_kind=cron")
		}
		return trigger.NewCronTrigger(req.Cron, time.Time{})
	default:
		return nil, fmt.Errorf("unknown trigger_kind %q (want interval, date, or cron)", req.TriggerKind)
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/schedules/")
	if id == "" {
		http.Error(w, "schedule id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		schedules, err := s.store.GetSchedules(r.Context(), []string{id})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(schedules) == 0 {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, schedules[0])
	case http.MethodDelete:
		if s.scheduler != nil {
			if err := s.scheduler.RemoveSchedule(r.Context(), id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		} else if err := s.store.RemoveSchedules(r.Context(), []string{id}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.store.GetJobs(r.Context(), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	case http.MethodPost:
		s.createJob(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createJobRequest struct {
	TaskID string   `json:"task_id"`
	Func   string   `json:"func"`
	Args   []byte   `json:"args"`
	Kwargs []byte   `json:"kwargs"`
	Tags   []string `json:"tags"`

	MaxRunningJobs *int `json:"max_running_jobs"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "no scheduler configured on this process", http.StatusServiceUnavailable)
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	jobID, err := s.scheduler.AddJob(r.Context(), scheduler.JobOptions{
		TaskID: req.TaskID, Func: req.Func, Args: req.Args, Kwargs: req.Kwargs, Tags: req.Tags,
		MaxRunningJobs: req.MaxRunningJobs,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		http.Error(w, "job id required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	if len(parts) == 2 && parts[1] == "result" {
		s.getJobResult(w, r, jobID)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobs, err := s.store.GetJobs(r.Context(), []string{jobID})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(jobs) == 0 {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobs[0])
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wait := r.URL.Query().Get("wait") == "true"

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	if s.scheduler == nil {
		result, err := s.store.GetJobResult(ctx, jobID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result == nil {
			http.Error(w, "job result not ready", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	result, err := s.scheduler.GetJobResult(ctx, jobID, wait)
	if err != nil {
		var lookup *apschederr.JobLookupError
		if errors.As(err, &lookup) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.worker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"worker_id": nil, "jobs": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker_id": s.worker.ID(), "jobs": s.worker.Jobs()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	var taskErr *apschederr.TaskLookupError
	if errors.As(err, &taskErr) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
