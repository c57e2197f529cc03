package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, type, payload, origin, status, attempts, max_attempts, run_at,
	locked_until, parent_id, dedupe_key, last_error, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload []byte
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Origin, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.LockedUntil, &j.ParentID, &j.DedupeKey, &j.LastError, &j.CreatedAt,
		&j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InsertJob relies on the partial unique index over queued dedupe keys.
func (q *pgQueries) InsertJob(ctx context.Context, j *models.Job) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING`,
		j.ID, j.Type, []byte(j.Payload), j.Origin, j.Status, j.Attempts, j.MaxAttempts, j.RunAt,
		j.LockedUntil, j.ParentID, j.DedupeKey, j.LastError, j.CreatedAt, j.UpdatedAt, j.FinishedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return q.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

func (q *pgQueries) LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return q.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
}

func (q *pgQueries) getJob(ctx context.Context, sql string, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (q *pgQueries) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	ctx, cancel := scanTimeout(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)
		ORDER BY created_at, id LIMIT $3`, string(filter.Status), filter.Type, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJobs leases due jobs. SKIP LOCKED lets several workers claim disjoint
// batches concurrently.
func (r *PostgresRepository) ClaimJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Job, error) {
	ctx, cancel := queryTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1,
			locked_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (status = 'enqueued' AND run_at <= $1)
			   OR (status = 'running' AND locked_until < $1)
			ORDER BY run_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+jobColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return collectJobs(rows)
}

// CompleteJob marks the job succeeded and releases awaiting children in one
// transaction.
func (r *PostgresRepository) CompleteJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := queryTimeout(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'succeeded', locked_until = NULL, updated_at = $2, finished_at = $2
			WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrJobNotFound
		}

		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = 'enqueued', run_at = $2, updated_at = $2
			WHERE parent_id = $1 AND status = 'awaiting'`, id, now)
		if err != nil {
			return fmt.Errorf("failed to release child jobs: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) RetryJob(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	ctx, cancel := queryTimeout(ctx)
	defer cancel()

	// A queued job with the same dedupe key supersedes this one; moving it
	// back to enqueued would also violate the active dedupe index.
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN queued.superseded THEN 'succeeded' ELSE 'enqueued' END,
			finished_at = CASE WHEN queued.superseded THEN now() ELSE NULL END,
			run_at = $2, locked_until = NULL, last_error = $3, updated_at = now()
		FROM (
			SELECT EXISTS (
				SELECT 1 FROM jobs other, jobs self
				WHERE self.id = $1 AND other.id <> self.id
				  AND other.dedupe_key = self.dedupe_key
				  AND other.status IN ('awaiting', 'enqueued')
			) AS superseded
		) queued
		WHERE jobs.id = $1`, id, runAt, lastErr)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *PostgresRepository) FailJob(ctx context.Context, id uuid.UUID, lastErr string, now time.Time) error {
	ctx, cancel := queryTimeout(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', locked_until = NULL, last_error = $2,
			updated_at = $3, finished_at = $3
		WHERE id = $1`, id, lastErr, now)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *PostgresRepository) RequeueJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := queryTimeout(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'enqueued', attempts = 0, run_at = $2,
			finished_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'failed'`, id, now)
	if err != nil {
		return conflictAsInvalidTransition(err, "job %s: dedupe key is held by a queued job", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	j, err := r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return apperr.InvalidTransition("job %s is %s, only failed jobs can be replayed", id, j.Status)
}
