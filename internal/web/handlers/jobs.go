package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"go.uber.org/zap"
)

// JobsHandler exposes the background jobs of the executor.
type JobsHandler struct {
	service *identity.Service
	logger  *zap.Logger
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(service *identity.Service, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{service: service, logger: logger}
}

// List returns jobs, newest first. Supports ?status=, ?type= and ?limit=
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := database.JobFilter{
		Status: database.JobStatus(q.Get("status")),
		Type:   database.JobType(q.Get("type")),
		Limit:  limit,
	}

	list, err := h.service.ListJobs(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []database.Job{}
	}
	respondJSON(w, http.StatusOK, list)
}

// Get returns one job with its progress and result.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// CancelResponse reports whether a cancel request took effect.
type CancelResponse struct {
	Cancelled bool          `json:"cancelled"`
	Job       *database.Job `json:"job"`
}

// Cancel cancels a pending job. A job that has already started is left alone.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, cancelled, err := h.service.CancelJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	if !cancelled {
		h.logger.Debug("cancel ignored", zap.String("job_id", sanitizeForLog(jobID)), zap.String("status", string(job.Status)))
	}
	respondJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled, Job: job})
}

// Events streams job status and progress as server-sent events until the job
// reaches a terminal state or the client goes away.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	// Subscribe before reading the job so no transition is missed.
	events, unsubscribe := h.service.Executor().Subscribe(jobID)
	defer unsubscribe()

	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	sendSSEEvent(w, flusher, "status", job)
	if job.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
			if event.Status.IsTerminal() {
				return
			}
		}
	}
}
