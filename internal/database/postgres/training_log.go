package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/photo-faces/internal/database"
)

// AppendTrainingLog inserts an entry. The raw response is truncated to fit.
func (s *Store) AppendTrainingLog(ctx context.Context, entry *database.TrainingLogEntry) error {
	if entry.AttemptedAt.IsZero() {
		entry.AttemptedAt = time.Now()
	}
	entry.Response = database.Truncate(entry.Response, database.MaxLogResponseLen)
	err := s.pool.db.QueryRowContext(ctx, `
		INSERT INTO training_log (face_id, person_id, job_id, attempted_at, success, response)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		entry.FaceID, entry.PersonID, entry.JobID, entry.AttemptedAt, entry.Success, entry.Response,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append training log: %w", err)
	}
	return nil
}

// ListTrainingLog returns the newest entries of a person first. limit 0 returns all.
func (s *Store) ListTrainingLog(ctx context.Context, personID int64, limit int) ([]database.TrainingLogEntry, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT id, face_id, person_id, job_id, attempted_at, success, response
		FROM training_log WHERE person_id = $1
		ORDER BY id DESC
		LIMIT NULLIF($2, 0)`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("query training log: %w", err)
	}
	defer rows.Close()

	var entries []database.TrainingLogEntry
	for rows.Next() {
		var e database.TrainingLogEntry
		if err := rows.Scan(&e.ID, &e.FaceID, &e.PersonID, &e.JobID, &e.AttemptedAt, &e.Success, &e.Response); err != nil {
			return nil, fmt.Errorf("scan training log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training log: %w", err)
	}
	return entries, nil
}

func (s *Store) CountFailedAttempts(ctx context.Context, personID int64) (int, error) {
	var n int
	err := s.pool.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM training_log WHERE person_id = $1 AND NOT success", personID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return n, nil
}
