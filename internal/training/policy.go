// Package training uploads confirmed faces to the recognizer as training data.
package training

import (
	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
)

// Policy selects which assigned faces become training data.
type Policy struct {
	// OnlyManuallyAssigned restricts uploads to faces an operator assigned
	OnlyManuallyAssigned bool `json:"only_manually_assigned"`
	// MaxFacesPerPerson caps how many faces a person may have uploaded (nil = unlimited)
	MaxFacesPerPerson *int `json:"max_faces_per_person,omitempty"`
	// AllowDuplicateUploads uploads faces again even if they were uploaded before
	AllowDuplicateUploads bool `json:"allow_duplicate_uploads"`
}

// PolicyFromConfig builds the configured default policy.
func PolicyFromConfig(cfg config.TrainingConfig) Policy {
	p := Policy{
		OnlyManuallyAssigned:  cfg.OnlyManuallyAssigned,
		AllowDuplicateUploads: cfg.AllowDuplicateUploads,
	}
	if cfg.MaxFacesPerPerson > 0 {
		n := cfg.MaxFacesPerPerson
		p.MaxFacesPerPerson = &n
	}
	return p
}

func (p Policy) validate() error {
	if p.MaxFacesPerPerson != nil && *p.MaxFacesPerPerson < 0 {
		return apperr.Validation("max_faces_per_person", "must not be negative")
	}
	return nil
}

// IsEligible reports whether a face of personID may be uploaded under the policy.
// The confidence floor is the same for every caller.
func IsEligible(face *database.Face, personID int64, policy Policy, floor float64) bool {
	if !face.Assignment.IsAssignedTo(personID) {
		return false
	}
	if policy.OnlyManuallyAssigned && face.AssignmentSource != database.SourceManual {
		return false
	}
	if face.DetectionConfidence < floor {
		return false
	}
	return !face.IsUploaded() || policy.AllowDuplicateUploads
}

// selectFaces returns the eligible faces in id order, trimmed to the policy budget.
func selectFaces(faces []database.Face, personID int64, policy Policy, floor float64) (eligible []database.Face, skipped int) {
	uploaded := 0
	for i := range faces {
		if faces[i].IsUploaded() {
			uploaded++
		}
		if IsEligible(&faces[i], personID, policy, floor) {
			eligible = append(eligible, faces[i])
		}
	}

	if policy.MaxFacesPerPerson == nil {
		return eligible, 0
	}
	budget := *policy.MaxFacesPerPerson
	if !policy.AllowDuplicateUploads {
		// Faces already in the recognizer count against the cap.
		budget = max(budget-uploaded, 0)
	}
	if len(eligible) > budget {
		skipped = len(eligible) - budget
		eligible = eligible[:budget]
	}
	return eligible, skipped
}
