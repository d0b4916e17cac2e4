package handlers

import (
	"net/http"

	"github.com/kozaktomas/photo-faces/internal/identity"
	"go.uber.org/zap"
)

// FacesHandler handles manual face assignment.
type FacesHandler struct {
	service *identity.Service
	logger  *zap.Logger
}

// NewFacesHandler creates a new faces handler
func NewFacesHandler(service *identity.Service, logger *zap.Logger) *FacesHandler {
	return &FacesHandler{service: service, logger: logger}
}

// Assignment actions accepted by SetAssignment.
const (
	assignmentPerson  = "assign"
	assignmentInvalid = "invalid"
	assignmentUnknown = "unknown"
)

// AssignmentRequest is the body of PUT /faces/{id}/assignment
type AssignmentRequest struct {
	Action   string `json:"action"`
	PersonID int64  `json:"person_id,omitempty"`
}

// SetAssignment assigns the face to a person or marks it invalid or unknown.
func (h *FacesHandler) SetAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req AssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	var (
		update *identity.FaceUpdate
		err    error
	)
	switch req.Action {
	case assignmentPerson, "":
		update, err = h.service.AssignFace(r.Context(), id, req.PersonID)
	case assignmentInvalid:
		update, err = h.service.MarkFaceInvalid(r.Context(), id)
	case assignmentUnknown:
		update, err = h.service.MarkFaceUnknown(r.Context(), id)
	default:
		respondError(w, http.StatusBadRequest, "action must be assign, invalid or unknown")
		return
	}
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, update)
}

// ClearAssignment puts the face back into the unassigned pool.
func (h *FacesHandler) ClearAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	update, err := h.service.ClearFaceAssignment(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, update)
}

// Delete removes a face and its cached similarities.
func (h *FacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteFace(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
