package training

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"go.uber.org/zap"
)

// Stats is the training state of one person.
type Stats struct {
	PersonID              int64                      `json:"person_id"`
	TotalFaces            int                        `json:"total_faces"`
	ManuallyAssignedFaces int                        `json:"manually_assigned_faces"`
	UploadedFaces         int                        `json:"uploaded_faces"`
	PendingFaces          int                        `json:"pending_faces"` // manual faces not yet uploaded
	FailedAttempts        int                        `json:"failed_attempts"`
	RecognitionStatus     database.RecognitionStatus `json:"recognition_status"`
	LastTrainedAt         *time.Time                 `json:"last_trained_at,omitempty"`
}

// Stats computes training statistics from the store.
func (c *Controller) Stats(ctx context.Context, personID int64) (*Stats, error) {
	person, err := c.store.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	faces, err := c.store.GetFacesByPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("get faces: %w", err)
	}
	failed, err := c.store.CountFailedAttempts(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("count failed attempts: %w", err)
	}

	stats := &Stats{
		PersonID:          personID,
		TotalFaces:        len(faces),
		FailedAttempts:    failed,
		RecognitionStatus: person.RecognitionStatus,
		LastTrainedAt:     person.LastTrainedAt,
	}
	for i := range faces {
		manual := faces[i].AssignmentSource == database.SourceManual
		if manual {
			stats.ManuallyAssignedFaces++
		}
		if faces[i].IsUploaded() {
			stats.UploadedFaces++
		} else if manual {
			stats.PendingFaces++
		}
	}
	return stats, nil
}

// ResetResult reports a training reset.
type ResetResult struct {
	PersonID   int64 `json:"person_id"`
	FacesReset int   `json:"faces_reset"`
}

// ResetPersonTraining clears the upload state of every face of the person.
// Assignments are left alone and calling it twice changes nothing the second time.
func (c *Controller) ResetPersonTraining(ctx context.Context, personID int64) (*ResetResult, error) {
	if _, err := c.store.GetPerson(ctx, personID); err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	n, err := c.store.ResetUploadState(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("reset upload state: %w", err)
	}
	c.logger.Info("training reset", zap.Int64("person_id", personID), zap.Int("faces", n))
	return &ResetResult{PersonID: personID, FacesReset: n}, nil
}

// TrainingLog returns the newest upload attempts of a person.
func (c *Controller) TrainingLog(ctx context.Context, personID int64, limit int) ([]database.TrainingLogEntry, error) {
	if limit <= 0 {
		limit = constants.DefaultTrainingLogLimit
	}
	if _, err := c.store.GetPerson(ctx, personID); err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	entries, err := c.store.ListTrainingLog(ctx, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list training log: %w", err)
	}
	return entries, nil
}

// UntrainRequest is the payload of an untrain_face job.
type UntrainRequest struct {
	FaceID  int64  `json:"face_id"`
	FaceRef string `json:"face_ref"`
}

// UntrainFace enqueues removal of an uploaded face from the recognizer, used
// when the face no longer belongs to the person it was uploaded for.
func (c *Controller) UntrainFace(ctx context.Context, face *database.Face) (*database.Job, error) {
	if face.ExternalFaceRef == "" {
		return nil, apperr.Validation("face_id", "face %d has no uploaded reference", face.ID)
	}
	return c.executor.Enqueue(ctx, jobs.Request{
		Type:     jobs.TypeUntrainFace,
		Priority: constants.PriorityNormal,
		Payload:  UntrainRequest{FaceID: face.ID, FaceRef: face.ExternalFaceRef},
	})
}

func (c *Controller) handleUntrainFace(ctx context.Context, job *database.Job, rep *jobs.Reporter) (any, error) {
	var req UntrainRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, apperr.Validation("payload", "invalid untrain request: %v", err)
	}

	release, err := rep.Acquire(ctx, jobs.ResourceRecognizer)
	if err != nil {
		return nil, err
	}
	err = c.rec.DeleteFace(ctx, req.FaceRef)
	release()
	if err != nil {
		return nil, fmt.Errorf("delete face %s: %w", req.FaceRef, err)
	}

	// The face may have been deleted locally in the meantime.
	if err := c.store.ClearFaceUpload(ctx, req.FaceID); err != nil && !apperr.IsNotFound(err) {
		return nil, fmt.Errorf("clear upload of face %d: %w", req.FaceID, err)
	}
	rep.Logger().Info("removed face from recognizer", zap.Int64("face_id", req.FaceID), zap.String("face_ref", req.FaceRef))
	return req, nil
}
