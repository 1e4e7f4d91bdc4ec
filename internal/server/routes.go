package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
	"github.com/ternarybob/brainrot/internal/pipeline"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/maintenance", s.handleMaintenance)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/history", s.handleHistory)
		r.Get("/{id}", s.handleGetJob)
	})

	return r
}

// jobSummary is the list view of a job
type jobSummary struct {
	ID        string              `json:"id"`
	Stage     models.Stage        `json:"stage"`
	Platform  models.Platform     `json:"platform"`
	URL       string              `json:"url"`
	SenderID  string              `json:"sender_id"`
	Attempts  map[models.Step]int `json:"attempts,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func summarize(job *models.Job) jobSummary {
	return jobSummary{
		ID:        job.ID,
		Stage:     job.Stage,
		Platform:  job.Link.Platform,
		URL:       job.Link.URL,
		SenderID:  job.Correlation.SenderID,
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":  common.GetVersion(),
		"pipeline": s.deps.Pipeline.Stats(),
		"archive":  s.deps.Archive != nil,
	})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Statuses())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Pipeline.Store().List()
	out := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, summarize(job))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetJob looks in the live store first, then the archive
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.deps.Pipeline.Store().Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if !errors.Is(err, pipeline.ErrJobNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.deps.Archive != nil {
		if archived, err := s.deps.Archive.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}
	writeError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "job archive disabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var (
		jobs []*models.Job
		err  error
	)
	if sender := r.URL.Query().Get("sender"); sender != "" {
		jobs, err = s.deps.Archive.ListBySender(r.Context(), sender, limit)
	} else {
		jobs, err = s.deps.Archive.ListRecent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read job history")
		writeError(w, http.StatusInternalServerError, "failed to read job history")
		return
	}

	out := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, summarize(job))
	}
	writeJSON(w, http.StatusOK, out)
}

// writeJSON writes a JSON response with the specified status code and data
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a standard error JSON response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}
