package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
)

const personColumns = `id, name, COALESCE(external_subject_id, ''), face_count, recognition_status,
	allow_auto_training, last_trained_at, created_at`

func scanPerson(row scanner) (database.Person, error) {
	var (
		p         database.Person
		status    string
		trainedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.ExternalSubjectID, &p.FaceCount, &status,
		&p.AllowAutoTraining, &trainedAt, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.RecognitionStatus = database.RecognitionStatus(status)
	if trainedAt.Valid {
		t := trainedAt.Time
		p.LastTrainedAt = &t
	}
	return p, nil
}

// CreatePerson stores a new person. FaceCount is always derived, never taken from the caller.
func (s *Store) CreatePerson(ctx context.Context, person *database.Person) error {
	status := person.RecognitionStatus
	if status == "" {
		status = database.RecognitionUntrained
	}
	err := s.pool.db.QueryRowContext(ctx, `
		INSERT INTO persons (name, external_subject_id, recognition_status, allow_auto_training, last_trained_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
		RETURNING id, created_at`,
		person.Name, person.ExternalSubjectID, string(status), person.AllowAutoTraining, person.LastTrainedAt,
	).Scan(&person.ID, &person.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	person.RecognitionStatus = status
	person.FaceCount = 0
	return nil
}

func (s *Store) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	row := s.pool.db.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE id = $1", id)
	p, err := scanPerson(row)
	if err != nil {
		return nil, notFound(err, "person", id)
	}
	return &p, nil
}

func (s *Store) GetPersonBySubject(ctx context.Context, subjectID string) (*database.Person, error) {
	if subjectID == "" {
		return nil, nil
	}
	row := s.pool.db.QueryRowContext(ctx,
		"SELECT "+personColumns+" FROM persons WHERE external_subject_id = $1", subjectID)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person by subject: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPersons(ctx context.Context) ([]database.Person, error) {
	rows, err := s.pool.db.QueryContext(ctx, "SELECT "+personColumns+" FROM persons ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	var persons []database.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

func (s *Store) SetExternalSubject(ctx context.Context, personID int64, subjectID string) error {
	err := execOne(ctx, s.pool.db, "person", personID,
		"UPDATE persons SET external_subject_id = NULLIF($2, '') WHERE id = $1", personID, subjectID)
	if isUniqueViolation(err) {
		return apperr.Conflict("person", personID, "subject %q is linked to another person", subjectID)
	}
	return err
}

// SetRecognitionStatus updates the status. last_trained_at is kept when trainedAt is nil.
func (s *Store) SetRecognitionStatus(ctx context.Context, personID int64, status database.RecognitionStatus, trainedAt *time.Time) error {
	return execOne(ctx, s.pool.db, "person", personID, `
		UPDATE persons SET recognition_status = $2, last_trained_at = COALESCE($3, last_trained_at)
		WHERE id = $1`, personID, string(status), trainedAt)
}

func (s *Store) SetAllowAutoTraining(ctx context.Context, personID int64, allow bool) error {
	return execOne(ctx, s.pool.db, "person", personID,
		"UPDATE persons SET allow_auto_training = $2 WHERE id = $1", personID, allow)
}

// UpdateFaceCount recomputes the cached face_count and returns it.
func (s *Store) UpdateFaceCount(ctx context.Context, personID int64) (int, error) {
	return recount(ctx, s.pool.db, personID)
}
