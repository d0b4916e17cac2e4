package handlers

import (
	"net/http"
	"strconv"

	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/kozaktomas/photo-faces/internal/training"
	"go.uber.org/zap"
)

// TrainingHandler handles training of persons in the recognizer.
type TrainingHandler struct {
	service *identity.Service
	logger  *zap.Logger
}

// NewTrainingHandler creates a new training handler
func NewTrainingHandler(service *identity.Service, logger *zap.Logger) *TrainingHandler {
	return &TrainingHandler{service: service, logger: logger}
}

// TrainRequest overrides parts of the configured upload policy.
type TrainRequest struct {
	OnlyManuallyAssigned  *bool `json:"only_manually_assigned,omitempty"`
	MaxFacesPerPerson     *int  `json:"max_faces_per_person,omitempty"`
	AllowDuplicateUploads *bool `json:"allow_duplicate_uploads,omitempty"`
}

func (req TrainRequest) policy(base training.Policy) training.Policy {
	if req.OnlyManuallyAssigned != nil {
		base.OnlyManuallyAssigned = *req.OnlyManuallyAssigned
	}
	if req.MaxFacesPerPerson != nil {
		base.MaxFacesPerPerson = req.MaxFacesPerPerson
	}
	if req.AllowDuplicateUploads != nil {
		base.AllowDuplicateUploads = *req.AllowDuplicateUploads
	}
	return base
}

// Train enqueues a training job for the person.
func (h *TrainingHandler) Train(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req TrainRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	policy := req.policy(h.service.DefaultTrainingPolicy())
	job, err := h.service.TrainPersonSelective(r.Context(), id, &policy)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// Stats returns the training statistics of the person.
func (h *TrainingHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	stats, err := h.service.TrainingStats(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Reset clears the upload state of the person's faces. Assignments are kept.
func (h *TrainingHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.ResetPersonTraining(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Log returns the newest training log entries of the person (?limit=)
func (h *TrainingHandler) Log(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = constants.DefaultTrainingLogLimit
	}

	entries, err := h.service.TrainingLog(r.Context(), id, limit)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []database.TrainingLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// Scheduled runs a scheduled training pass over every person allowing it.
func (h *TrainingHandler) Scheduled(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ScheduledTraining(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}
