package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/lib/pq"
)

const jobColumns = `id, type, status, priority, progress, phase, retries, max_retries, concurrency_key,
	payload, result, errors, created_at, updated_at, started_at, completed_at`

func scanJob(row scanner) (database.Job, error) {
	var (
		j           database.Job
		jobType     string
		status      string
		payload     sql.NullString
		result      sql.NullString
		errs        pq.StringArray
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &jobType, &status, &j.Priority, &j.Progress, &j.Phase, &j.Retries,
		&j.MaxRetries, &j.ConcurrencyKey, &payload, &result, &errs, &j.CreatedAt, &j.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return j, err
	}
	j.Type = database.JobType(jobType)
	j.Status = database.JobStatus(status)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if len(errs) > 0 {
		j.Errors = []string(errs)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// rawJSON passes JSON as text; a []byte argument would be sent as bytea.
func rawJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (s *Store) CreateJob(ctx context.Context, job *database.Job) error {
	if job.Status == "" {
		job.Status = database.JobStatusPending
	}
	errs := job.Errors
	if errs == nil {
		errs = []string{}
	}
	err := s.pool.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, type, status, priority, progress, phase, retries, max_retries,
			concurrency_key, payload, result, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12)
		RETURNING created_at, updated_at`,
		job.ID, string(job.Type), string(job.Status), job.Priority, job.Progress, job.Phase,
		job.Retries, job.MaxRetries, job.ConcurrencyKey, rawJSON(job.Payload), rawJSON(job.Result),
		pq.StringArray(errs),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*database.Job, error) {
	row := s.pool.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return &j, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, filter database.JobFilter) ([]database.Job, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($3, 0)`,
		string(filter.Status), string(filter.Type), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []database.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// TransitionJob is a conditional update: it succeeds only while the job is in one of from.
func (s *Store) TransitionJob(ctx context.Context, id string, from []database.JobStatus, to database.JobStatus) (bool, error) {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	res, err := s.pool.db.ExecContext(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW(),
			started_at = CASE WHEN $4 THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($2)`,
		id, pq.StringArray(statuses), string(to), to == database.JobStatusRunning, to.IsTerminal())
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int, phase string) error {
	return execOne(ctx, s.pool.db, "job", id,
		"UPDATE jobs SET progress = $2, phase = $3, updated_at = NOW() WHERE id = $1", id, progress, phase)
}

// lockRunning loads the job for update and reports whether it is still running.
func lockRunning(ctx context.Context, tx *sql.Tx, id string) ([]string, bool, error) {
	var (
		status string
		errs   pq.StringArray
	)
	err := tx.QueryRowContext(ctx, "SELECT status, errors FROM jobs WHERE id = $1 FOR UPDATE", id).Scan(&status, &errs)
	if err != nil {
		return nil, false, notFound(err, "job", id)
	}
	return []string(errs), database.JobStatus(status) == database.JobStatusRunning, nil
}

// FinishJob stores the outcome of a running job; false if it is no longer running.
func (s *Store) FinishJob(ctx context.Context, id string, status database.JobStatus, result json.RawMessage, errs []string) (bool, error) {
	var done bool
	err := s.pool.inTx(ctx, func(tx *sql.Tx) error {
		stored, running, err := lockRunning(ctx, tx, id)
		if err != nil || !running {
			return err
		}
		for _, e := range errs {
			stored = database.AppendBounded(stored, e, database.MaxJobErrors)
		}
		if stored == nil {
			stored = []string{}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $2, result = $3::jsonb, errors = $4,
				progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
				updated_at = NOW(), completed_at = NOW()
			WHERE id = $1`, id, string(status), rawJSON(result), pq.StringArray(stored))
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		done = true
		return nil
	})
	return done, err
}

// RequeueJob moves a running job back to pending and records the failure.
func (s *Store) RequeueJob(ctx context.Context, id string, retries int, errMsg string) (bool, error) {
	var done bool
	err := s.pool.inTx(ctx, func(tx *sql.Tx) error {
		stored, running, err := lockRunning(ctx, tx, id)
		if err != nil || !running {
			return err
		}
		stored = database.AppendBounded(stored, errMsg, database.MaxJobErrors)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', retries = $2, errors = $3, updated_at = NOW()
			WHERE id = $1`, id, retries, pq.StringArray(stored))
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		done = true
		return nil
	})
	return done, err
}
