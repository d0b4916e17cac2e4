package handlers

import (
	"net/http"

	"github.com/kozaktomas/photo-faces/internal/consistency"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"go.uber.org/zap"
)

// ConsistencyHandler starts consistency checks and recognition passes.
type ConsistencyHandler struct {
	service *identity.Service
	logger  *zap.Logger
}

// NewConsistencyHandler creates a new consistency handler
func NewConsistencyHandler(service *identity.Service, logger *zap.Logger) *ConsistencyHandler {
	return &ConsistencyHandler{service: service, logger: logger}
}

// Check enqueues a check of one person (person_id) or of everyone. Without
// "repair": true the check only reports.
func (h *ConsistencyHandler) Check(w http.ResponseWriter, r *http.Request) {
	var opts consistency.Options
	if err := decodeJSON(r, &opts); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	job, err := h.service.CheckConsistency(r.Context(), opts)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// Recognize enqueues an auto-assignment pass over unassigned faces.
func (h *ConsistencyHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	var req identity.RecognizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	job, err := h.service.StartRecognition(r.Context(), req)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}
