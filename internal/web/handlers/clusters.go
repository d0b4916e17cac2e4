package handlers

import (
	"net/http"

	"github.com/kozaktomas/photo-faces/internal/clustering"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"go.uber.org/zap"
)

// ClustersHandler handles clustering runs and cluster review.
type ClustersHandler struct {
	service *identity.Service
	logger  *zap.Logger
}

// NewClustersHandler creates a new clusters handler
func NewClustersHandler(service *identity.Service, logger *zap.Logger) *ClustersHandler {
	return &ClustersHandler{service: service, logger: logger}
}

// Run starts a clustering job. Fields missing from the body keep their configured values.
func (h *ClustersHandler) Run(w http.ResponseWriter, r *http.Request) {
	opts := h.service.DefaultClusteringOptions()
	if err := decodeJSON(r, &opts); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	job, err := h.service.StartClustering(r.Context(), opts)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// List returns clusters, optionally filtered by ?state=
func (h *ClustersHandler) List(w http.ResponseWriter, r *http.Request) {
	state := database.ClusterState(r.URL.Query().Get("state"))
	clusters, err := h.service.ListClusters(r.Context(), state)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	if clusters == nil {
		clusters = []database.Cluster{}
	}
	respondJSON(w, http.StatusOK, clusters)
}

// Get returns a cluster with its member faces.
func (h *ClustersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.service.GetCluster(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// Review applies approve, reject or assign to a pending cluster.
func (h *ClustersHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req clustering.ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	result, err := h.service.ReviewCluster(r.Context(), id, req)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// AssignRequest is the body of POST /clusters/{id}/assign
type AssignRequest struct {
	PersonID int64 `json:"person_id"`
}

// Assign assigns every face of a pending cluster to a person.
func (h *ClustersHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	result, err := h.service.AssignClusterToPerson(r.Context(), id, req.PersonID)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
