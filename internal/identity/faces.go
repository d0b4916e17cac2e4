package identity

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/consistency"
	"github.com/kozaktomas/photo-faces/internal/database"
	"go.uber.org/zap"
)

// FaceUpdate is the outcome of a manual assignment change.
type FaceUpdate struct {
	Face *database.Face `json:"face"`
	// Jobs lists the follow-up jobs enqueued by the change
	Jobs []*database.Job `json:"jobs,omitempty"`
}

// AssignFace manually assigns a face to a person.
func (s *Service) AssignFace(ctx context.Context, faceID, personID int64) (*FaceUpdate, error) {
	if personID <= 0 {
		return nil, apperr.Validation("person_id", "must be positive")
	}
	if _, err := s.store.GetPerson(ctx, personID); err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return s.setAssignment(ctx, faceID, database.AssignedTo(personID), database.SourceManual)
}

// MarkFaceInvalid flags a false detection.
func (s *Service) MarkFaceInvalid(ctx context.Context, faceID int64) (*FaceUpdate, error) {
	return s.setAssignment(ctx, faceID, database.MarkedInvalid(), database.SourceManual)
}

// MarkFaceUnknown flags a face of someone the user does not know.
func (s *Service) MarkFaceUnknown(ctx context.Context, faceID int64) (*FaceUpdate, error) {
	return s.setAssignment(ctx, faceID, database.MarkedUnknown(), database.SourceManual)
}

// ClearFaceAssignment puts the face back into the unassigned pool.
func (s *Service) ClearFaceAssignment(ctx context.Context, faceID int64) (*FaceUpdate, error) {
	return s.setAssignment(ctx, faceID, database.Unassigned(), database.SourceNone)
}

// setAssignment changes the assignment only if nobody else changed it since it was
// read. A face uploaded as training data for its previous person is scheduled for
// removal from the recognizer, and every affected person gets a quick check.
func (s *Service) setAssignment(ctx context.Context, faceID int64, next database.Assignment, source database.AssignmentSource) (*FaceUpdate, error) {
	if faceID <= 0 {
		return nil, apperr.Validation("face_id", "must be positive")
	}
	face, err := s.store.GetFace(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("get face: %w", err)
	}
	previous := face.Assignment

	if previous.Equal(next) && face.AssignmentSource == source {
		return &FaceUpdate{Face: face}, nil
	}
	if err := s.store.AssignFaceIf(ctx, faceID, previous, next, source); err != nil {
		return nil, err
	}

	update := &FaceUpdate{}
	oldPerson, hadPerson := previous.PersonID()
	if hadPerson && !next.IsAssignedTo(oldPerson) && face.IsUploaded() && face.ExternalFaceRef != "" {
		job, err := s.training.UntrainFace(ctx, face)
		if err != nil {
			s.logger.Warn("failed to schedule face removal", zap.Int64("face_id", faceID), zap.Error(err))
		} else {
			update.Jobs = append(update.Jobs, job)
		}
	}

	for _, personID := range affectedPersons(previous, next) {
		job, err := s.consistency.Enqueue(ctx, consistency.Options{PersonID: personID})
		if err != nil {
			s.logger.Warn("failed to schedule consistency check", zap.Int64("person_id", personID), zap.Error(err))
			continue
		}
		update.Jobs = append(update.Jobs, job)
	}

	updated, err := s.store.GetFace(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("get face: %w", err)
	}
	update.Face = updated
	s.logger.Info("face assignment changed",
		zap.Int64("face_id", faceID),
		zap.String("from", previous.String()),
		zap.String("to", next.String()),
		zap.String("source", string(source)))
	return update, nil
}

// DeleteFace removes a face with its cached similarities. An uploaded face is
// scheduled for removal from the recognizer first.
func (s *Service) DeleteFace(ctx context.Context, faceID int64) error {
	face, err := s.store.GetFace(ctx, faceID)
	if err != nil {
		return fmt.Errorf("get face: %w", err)
	}
	if face.IsUploaded() && face.ExternalFaceRef != "" {
		if _, err := s.training.UntrainFace(ctx, face); err != nil {
			return fmt.Errorf("schedule face removal: %w", err)
		}
	}
	if err := s.similarity.DeleteFace(ctx, faceID); err != nil {
		return err
	}
	if personID, ok := face.Assignment.PersonID(); ok {
		s.scheduleQuickCheck(ctx, personID)
	}
	return nil
}

func affectedPersons(previous, next database.Assignment) []int64 {
	var ids []int64
	if id, ok := previous.PersonID(); ok {
		ids = append(ids, id)
	}
	if id, ok := next.PersonID(); ok && !previous.IsAssignedTo(id) {
		ids = append(ids, id)
	}
	return ids
}
