package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/lib/pq"
)

const faceColumns = `f.id, f.image_path, f.bbox, f.detection_confidence, f.assignment_kind, f.person_id,
	f.assignment_source, f.recognition_confidence, f.upload_state, f.uploaded_at, f.external_face_ref,
	f.cluster_id, f.created_at`

func scanFace(row scanner) (database.Face, error) {
	var (
		f          database.Face
		bbox       pq.Float64Array
		kind       string
		personID   sql.NullInt64
		source     string
		upload     string
		uploadedAt sql.NullTime
		clusterID  sql.NullInt64
	)
	err := row.Scan(&f.ID, &f.ImagePath, &bbox, &f.DetectionConfidence, &kind, &personID,
		&source, &f.RecognitionConfidence, &upload, &uploadedAt, &f.ExternalFaceRef,
		&clusterID, &f.CreatedAt)
	if err != nil {
		return f, err
	}
	a, err := database.ParseAssignment(kind, personID.Int64)
	if err != nil {
		return f, fmt.Errorf("face %d: %w", f.ID, err)
	}
	f.BBox = []float64(bbox)
	f.Assignment = a
	f.AssignmentSource = database.AssignmentSource(source)
	f.UploadState = database.UploadState(upload)
	if uploadedAt.Valid {
		t := uploadedAt.Time
		f.UploadedAt = &t
	}
	f.ClusterID = int64Ptr(clusterID)
	return f, nil
}

func scanFaces(rows *sql.Rows) ([]database.Face, error) {
	defer rows.Close()
	var faces []database.Face
	for rows.Next() {
		f, err := scanFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// assignmentColumns splits an assignment into its stored columns.
// Unassigned faces never keep a source.
func assignmentColumns(a database.Assignment, source database.AssignmentSource) (string, sql.NullInt64, string) {
	if a.IsUnassigned() {
		source = database.SourceNone
	}
	id, ok := a.PersonID()
	return string(a.Kind()), nullInt64(id, ok), string(source)
}

// recount recomputes the cached face_count of a person.
func recount(ctx context.Context, q querier, personID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		UPDATE persons SET face_count = (SELECT COUNT(*) FROM faces WHERE person_id = $1)
		WHERE id = $1
		RETURNING face_count`, personID).Scan(&n)
	if err != nil {
		return 0, notFound(err, "person", personID)
	}
	return n, nil
}

func personExists(ctx context.Context, q querier, personID int64) error {
	var exists bool
	if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM persons WHERE id = $1)", personID).Scan(&exists); err != nil {
		return fmt.Errorf("check person: %w", err)
	}
	if !exists {
		return apperr.NotFound("person", personID)
	}
	return nil
}

// CreateFace stores a new face and sets its ID and CreatedAt.
func (s *Store) CreateFace(ctx context.Context, face *database.Face) error {
	kind, personID, source := assignmentColumns(face.Assignment, face.AssignmentSource)
	upload := face.UploadState
	if upload == "" {
		upload = database.UploadNotUploaded
	}
	bbox := face.BBox
	if bbox == nil {
		bbox = []float64{}
	}

	return s.pool.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO faces (image_path, bbox, detection_confidence, assignment_kind, person_id,
				assignment_source, recognition_confidence, upload_state, uploaded_at, external_face_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at`,
			face.ImagePath, pq.Array(bbox), face.DetectionConfidence, kind, personID,
			source, face.RecognitionConfidence, string(upload), face.UploadedAt, face.ExternalFaceRef,
		).Scan(&face.ID, &face.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert face: %w", err)
		}
		face.UploadState = upload
		if personID.Valid {
			if _, err := recount(ctx, tx, personID.Int64); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetFace returns the face or a NotFoundError.
func (s *Store) GetFace(ctx context.Context, id int64) (*database.Face, error) {
	row := s.pool.db.QueryRowContext(ctx, "SELECT "+faceColumns+" FROM faces f WHERE f.id = $1", id)
	f, err := scanFace(row)
	if err != nil {
		return nil, notFound(err, "face", id)
	}
	return &f, nil
}

// GetFacesByIDs returns the existing faces among ids, ordered by id.
func (s *Store) GetFacesByIDs(ctx context.Context, ids []int64) ([]database.Face, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.db.QueryContext(ctx,
		"SELECT "+faceColumns+" FROM faces f WHERE f.id = ANY($1) ORDER BY f.id", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query faces by ids: %w", err)
	}
	return scanFaces(rows)
}

// DeleteFace removes a face and its cluster memberships. It fails with a
// conflict while similarity edges still reference the face.
func (s *Store) DeleteFace(ctx context.Context, id int64) error {
	return s.pool.inTx(ctx, func(tx *sql.Tx) error {
		var personID sql.NullInt64
		err := tx.QueryRowContext(ctx, "DELETE FROM faces WHERE id = $1 RETURNING person_id", id).Scan(&personID)
		if isForeignKeyViolation(err) {
			return apperr.Conflict("face", id, "similarity edges still reference the face")
		}
		if err != nil {
			return notFound(err, "face", id)
		}
		if personID.Valid {
			if _, err := recount(ctx, tx, personID.Int64); err != nil {
				return err
			}
		}
		return nil
	})
}

// setAssignment locks the face, lets check inspect the current assignment and writes next.
func (s *Store) setAssignment(ctx context.Context, faceID int64, next database.Assignment,
	source database.AssignmentSource, check func(current database.Assignment) error,
) error {
	return s.pool.inTx(ctx, func(tx *sql.Tx) error {
		var (
			kind     string
			personID sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			"SELECT assignment_kind, person_id FROM faces WHERE id = $1 FOR UPDATE", faceID,
		).Scan(&kind, &personID)
		if err != nil {
			return notFound(err, "face", faceID)
		}
		current, err := database.ParseAssignment(kind, personID.Int64)
		if err != nil {
			return fmt.Errorf("face %d: %w", faceID, err)
		}
		if check != nil {
			if err := check(current); err != nil {
				return err
			}
		}
		if id, ok := next.PersonID(); ok {
			if err := personExists(ctx, tx, id); err != nil {
				return err
			}
		}

		nextKind, nextPerson, nextSource := assignmentColumns(next, source)
		if _, err := tx.ExecContext(ctx, `
			UPDATE faces SET assignment_kind = $2, person_id = $3, assignment_source = $4
			WHERE id = $1`, faceID, nextKind, nextPerson, nextSource); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}

		if id, ok := current.PersonID(); ok {
			if _, err := recount(ctx, tx, id); err != nil {
				return err
			}
		}
		if nextPerson.Valid && !current.IsAssignedTo(nextPerson.Int64) {
			if _, err := recount(ctx, tx, nextPerson.Int64); err != nil {
				return err
			}
		}
		return nil
	})
}

// AssignFace sets the assignment and its source unconditionally.
func (s *Store) AssignFace(ctx context.Context, faceID int64, assignment database.Assignment, source database.AssignmentSource) error {
	return s.setAssignment(ctx, faceID, assignment, source, nil)
}

// AssignFaceIf sets the assignment only if the current one equals expected.
func (s *Store) AssignFaceIf(ctx context.Context, faceID int64, expected, next database.Assignment, source database.AssignmentSource) error {
	return s.setAssignment(ctx, faceID, next, source, func(current database.Assignment) error {
		if !current.Equal(expected) {
			return apperr.Conflict("face", faceID, "assignment is %s, expected %s", current, expected)
		}
		return nil
	})
}

// ClearAssignment resets the face to Unassigned.
func (s *Store) ClearAssignment(ctx context.Context, faceID int64) error {
	return s.AssignFace(ctx, faceID, database.Unassigned(), database.SourceNone)
}

// GetUnassignedFaces returns Unassigned faces ordered by id.
func (s *Store) GetUnassignedFaces(ctx context.Context, filter database.UnassignedFilter) ([]database.Face, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT `+faceColumns+`
		FROM faces f
		WHERE f.assignment_kind = 'unassigned'
		  AND f.detection_confidence >= $1
		  AND (NOT $2 OR NOT EXISTS (
			SELECT 1 FROM clusters c WHERE c.id = f.cluster_id AND c.state = 'pending'))
		ORDER BY f.id
		LIMIT NULLIF($3, 0)`,
		filter.MinDetectionConfidence, filter.ExcludeActiveClusters, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("query unassigned faces: %w", err)
	}
	return scanFaces(rows)
}

// GetFacesByPerson returns faces AssignedTo the person ordered by id.
func (s *Store) GetFacesByPerson(ctx context.Context, personID int64) ([]database.Face, error) {
	rows, err := s.pool.db.QueryContext(ctx,
		"SELECT "+faceColumns+" FROM faces f WHERE f.person_id = $1 ORDER BY f.id", personID)
	if err != nil {
		return nil, fmt.Errorf("query faces by person: %w", err)
	}
	return scanFaces(rows)
}

// MarkFaceUploaded records a successful training upload.
func (s *Store) MarkFaceUploaded(ctx context.Context, faceID int64, externalRef string, at time.Time) error {
	return execOne(ctx, s.pool.db, "face", faceID, `
		UPDATE faces SET upload_state = 'uploaded', uploaded_at = $2, external_face_ref = $3
		WHERE id = $1`, faceID, at, externalRef)
}

// ClearFaceUpload resets the upload state of a single face.
func (s *Store) ClearFaceUpload(ctx context.Context, faceID int64) error {
	return execOne(ctx, s.pool.db, "face", faceID, `
		UPDATE faces SET upload_state = 'not_uploaded', uploaded_at = NULL, external_face_ref = ''
		WHERE id = $1`, faceID)
}

// ResetUploadState clears the upload state of every face of a person and
// returns how many faces had one.
func (s *Store) ResetUploadState(ctx context.Context, personID int64) (int, error) {
	res, err := s.pool.db.ExecContext(ctx, `
		UPDATE faces SET upload_state = 'not_uploaded', uploaded_at = NULL, external_face_ref = ''
		WHERE person_id = $1 AND (upload_state <> 'not_uploaded' OR uploaded_at IS NOT NULL)`, personID)
	if err != nil {
		return 0, fmt.Errorf("reset upload state: %w", err)
	}
	return affected(res)
}
