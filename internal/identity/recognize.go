package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"github.com/kozaktomas/photo-faces/internal/recognizer"
	"go.uber.org/zap"
)

// RecognizeRequest is the payload of a recognize_faces job.
type RecognizeRequest struct {
	// Threshold overrides the configured auto-assign threshold when set
	Threshold              float64 `json:"threshold,omitempty"`
	MinDetectionConfidence float64 `json:"min_detection_confidence,omitempty"`
	Limit                  int     `json:"limit,omitempty"`
}

// RecognizeResult summarizes a recognition pass.
type RecognizeResult struct {
	FacesChecked int      `json:"faces_checked"`
	Assigned     int      `json:"assigned"`
	NoMatch      int      `json:"no_match"`
	Conflicts    int      `json:"conflicts"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors,omitempty"`
}

// StartRecognition enqueues a pass that auto-assigns unassigned faces the
// recognizer matches with enough similarity.
func (s *Service) StartRecognition(ctx context.Context, req RecognizeRequest) (*database.Job, error) {
	if req.Threshold < 0 || req.Threshold > 1 {
		return nil, apperr.Validation("threshold", "must be within [0, 1]")
	}
	if req.Limit < 0 {
		return nil, apperr.Validation("limit", "must not be negative")
	}
	return s.executor.Enqueue(ctx, jobs.Request{
		Type:           jobs.TypeRecognizeFaces,
		Priority:       constants.PriorityLow,
		Payload:        req,
		ConcurrencyKey: "recognize_faces",
	})
}

func (s *Service) handleRecognizeFaces(ctx context.Context, job *database.Job, rep *jobs.Reporter) (any, error) {
	var req RecognizeRequest
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, apperr.Validation("payload", "invalid recognize request: %v", err)
		}
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.cfg.Training.AutoAssignThreshold
	}
	if threshold <= 0 {
		return nil, apperr.Validation("threshold", "no auto-assign threshold configured")
	}

	faces, err := s.store.GetUnassignedFaces(ctx, database.UnassignedFilter{
		ExcludeActiveClusters:  true,
		MinDetectionConfidence: req.MinDetectionConfidence,
		Limit:                  req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get unassigned faces: %w", err)
	}

	logger := rep.Logger().Named("recognize")
	result := &RecognizeResult{}
	for i := range faces {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.FacesChecked++
		face := &faces[i]

		match, err := s.bestMatch(ctx, face.ImagePath, rep)
		if err != nil {
			result.Failed++
			if len(result.Errors) < constants.MaxErrorSample {
				result.Errors = append(result.Errors, fmt.Sprintf("face %d: %v", face.ID, err))
			}
			logger.Warn("recognition failed", zap.Int64("face_id", face.ID), zap.Error(err))
		} else if match == nil || match.Similarity < threshold {
			result.NoMatch++
		} else if err := s.autoAssign(ctx, face, match, result); err != nil {
			return result, err
		}
		rep.Progress(ctx, (i+1)*100/len(faces), fmt.Sprintf("Recognized %d/%d faces", i+1, len(faces)))
	}

	logger.Info("recognition pass finished",
		zap.Int("checked", result.FacesChecked),
		zap.Int("assigned", result.Assigned),
		zap.Int("no_match", result.NoMatch),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) bestMatch(ctx context.Context, imagePath string, rep *jobs.Reporter) (*recognizer.Match, error) {
	release, err := rep.Acquire(ctx, jobs.ResourceRecognizer)
	if err != nil {
		return nil, err
	}
	matches, err := s.rec.Recognize(ctx, imagePath)
	release()
	if err != nil {
		return nil, err
	}
	var best *recognizer.Match
	for i := range matches {
		if best == nil || matches[i].Similarity > best.Similarity {
			best = &matches[i]
		}
	}
	return best, nil
}

// autoAssign links the face to the person owning the matched subject. The face is
// updated in place on success. Subjects without a local person count as no match.
func (s *Service) autoAssign(ctx context.Context, face *database.Face, match *recognizer.Match, result *RecognizeResult) error {
	person, err := s.store.GetPersonBySubject(ctx, match.SubjectID)
	if err != nil {
		return fmt.Errorf("find person for subject %s: %w", match.SubjectID, err)
	}
	if person == nil {
		result.NoMatch++
		return nil
	}
	next := database.AssignedTo(person.ID)
	err = s.store.AssignFaceIf(ctx, face.ID, database.Unassigned(), next, database.SourceAuto)
	switch {
	case err == nil:
		face.Assignment = next
		result.Assigned++
		return nil
	case apperr.IsConflict(err), apperr.IsNotFound(err):
		// Assigned or deleted by someone else meanwhile.
		result.Conflicts++
		return nil
	default:
		return fmt.Errorf("assign face %d: %w", face.ID, err)
	}
}
