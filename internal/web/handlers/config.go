package handlers

import (
	"net/http"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
	}
}

// ConfigResponse is the effective policy configuration. Secrets are never included.
type ConfigResponse struct {
	Clustering          config.ClusteringConfig `json:"clustering"`
	Training            TrainingPolicyResponse  `json:"training"`
	Workers             int                     `json:"workers"`
	RecognizerSlots     int                     `json:"recognizer_slots"`
	RecognizerAvailable bool                    `json:"recognizer_available"`
	DatabaseReady       bool                    `json:"database_ready"`
}

// TrainingPolicyResponse represents the training settings
type TrainingPolicyResponse struct {
	ConfidenceFloor       float64 `json:"confidence_floor"`
	OnlyManuallyAssigned  bool    `json:"only_manually_assigned"`
	AllowDuplicateUploads bool    `json:"allow_duplicate_uploads"`
	MaxFacesPerPerson     int     `json:"max_faces_per_person"`
	UploadsPerPerson      int     `json:"uploads_per_person"`
	AutoAssignThreshold   float64 `json:"auto_assign_threshold"`
}

// Get returns the effective configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	t := h.config.Training
	response := ConfigResponse{
		Clustering: h.config.Clustering,
		Training: TrainingPolicyResponse{
			ConfidenceFloor:       t.ConfidenceFloor,
			OnlyManuallyAssigned:  t.OnlyManuallyAssigned,
			AllowDuplicateUploads: t.AllowDuplicateUploads,
			MaxFacesPerPerson:     t.MaxFacesPerPerson,
			UploadsPerPerson:      t.UploadsPerPerson,
			AutoAssignThreshold:   t.AutoAssignThreshold,
		},
		Workers:             h.config.Executor.Workers,
		RecognizerSlots:     h.config.Executor.RecognizerSlots,
		RecognizerAvailable: h.config.Recognizer.URL != "" && h.config.Recognizer.APIKey != "",
		DatabaseReady:       database.IsInitialized(),
	}

	respondJSON(w, http.StatusOK, response)
}
