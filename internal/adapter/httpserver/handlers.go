package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
	"github.com/fairyhunter13/project-queue/internal/queue"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Admission  *queue.Admission
	Manager    *queue.Manager
	Stats      *queue.Stats
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, adm *queue.Admission, mgr *queue.Manager, stats *queue.Stats, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Admission: adm, Manager: mgr, Stats: stats, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// submitRequest is the POST /projects body.
type submitRequest struct {
	UserID  string          `json:"user_id" validate:"required,max=128"`
	Tier    string          `json:"tier" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// submitResponse acknowledges an accepted job.
type submitResponse struct {
	JobID                string  `json:"job_id"`
	Status               string  `json:"status"`
	QueuePosition        int     `json:"queue_position"`
	EstimatedStart       string  `json:"estimated_start"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
}

// SubmitHandler validates a submission, admits it against queue and
// quota limits, and enqueues it. Responds 202 with the queue position
// and a wait estimate.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		ctx := r.Context()
		job, err := s.Admission.Admit(ctx, req.UserID, req.Tier, req.Payload)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Manager.Submit(ctx, job); err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		_, position, err := s.Manager.Status(ctx, job.ID)
		if err != nil {
			// The job is committed; fall back to an unpositioned ack.
			writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: string(job.Status)})
			return
		}
		start, waitMin, err := s.Stats.EstimateStart(ctx, position, time.Now().UTC())
		if err != nil {
			writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: string(job.Status), QueuePosition: position})
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{
			JobID:                job.ID,
			Status:               string(job.Status),
			QueuePosition:        position,
			EstimatedStart:       start.Format(time.RFC3339),
			EstimatedWaitMinutes: waitMin,
		})
	}
}

// jobStatusView is the status-dependent GET /projects/{job_id} body.
type jobStatusView struct {
	JobID                string  `json:"job_id"`
	Status               string  `json:"status"`
	Tier                 string  `json:"tier"`
	CreatedAt            string  `json:"created_at"`
	Attempt              int     `json:"attempt"`
	QueuePosition        int     `json:"queue_position,omitempty"`
	EstimatedStart       string  `json:"estimated_start,omitempty"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes,omitempty"`
	WorkerID             string  `json:"worker_id,omitempty"`
	StartedAt            string  `json:"started_at,omitempty"`
	ElapsedSeconds       float64 `json:"elapsed_seconds,omitempty"`
	CompletedAt          string  `json:"completed_at,omitempty"`
	ResultHandle         string  `json:"result_handle,omitempty"`
	DurationSeconds      float64 `json:"duration_seconds,omitempty"`
	Error                string  `json:"error,omitempty"`
	CancelRequested      bool    `json:"cancel_requested,omitempty"`
}

// StatusHandler returns the job's current state. Queued jobs carry a
// position and wait estimate; completed jobs carry the artifact URL.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: job_id missing", domain.ErrInvalidArgument), nil)
			return
		}
		ctx := r.Context()
		job, position, err := s.Manager.Status(ctx, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		view := jobStatusView{
			JobID:           job.ID,
			Status:          string(job.Status),
			Tier:            string(job.Tier),
			CreatedAt:       job.CreatedAt.Format(time.RFC3339),
			Attempt:         job.Attempt,
			CancelRequested: job.CancelRequested,
		}
		switch job.Status {
		case domain.JobQueued:
			view.QueuePosition = position
			if start, waitMin, err := s.Stats.EstimateStart(ctx, position, time.Now().UTC()); err == nil {
				view.EstimatedStart = start.Format(time.RFC3339)
				view.EstimatedWaitMinutes = waitMin
			}
		case domain.JobProcessing:
			view.WorkerID = job.WorkerID
			view.StartedAt = job.StartedAt.Format(time.RFC3339)
			view.ElapsedSeconds = time.Since(job.StartedAt).Seconds()
		case domain.JobCompleted:
			view.CompletedAt = job.CompletedAt.Format(time.RFC3339)
			view.ResultHandle = job.ResultHandle
			view.DurationSeconds = job.CompletedAt.Sub(job.StartedAt).Seconds()
		case domain.JobFailed:
			view.CompletedAt = job.CompletedAt.Format(time.RFC3339)
			view.Error = job.ErrorMessage
		case domain.JobCancelled:
			view.CompletedAt = job.CompletedAt.Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// CancelHandler cancels a queued or processing job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: job_id missing", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Manager.Cancel(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":           job.ID,
			"status":           string(job.Status),
			"cancel_requested": job.CancelRequested,
		})
	}
}

// StatsHandler serves the queue-wide snapshot.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Stats.Snapshot(r.Context(), time.Now().UTC())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyzHandler probes Redis with a short deadline.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		ok := true
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
