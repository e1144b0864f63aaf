package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, job_type, payload, dedupe_key, status, priority, scheduled_at,
	retry_count, max_retries, last_error, locked_at, created_at, updated_at`

// Store persists jobs in background_jobs.
type Store struct {
	defaultMaxRetries int
}

// NewStore creates a Store. defaultMaxRetries applies to jobs enqueued
// without an explicit limit.
func NewStore(defaultMaxRetries int) *Store {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &Store{defaultMaxRetries: defaultMaxRetries}
}

// Enqueue inserts a PENDING job.
func (s *Store) Enqueue(ctx context.Context, q database.Querier, nj NewJob) (*Job, error) {
	args := s.insertArgs(nj)
	j, err := scanJob(q.QueryRow(ctx,
		`INSERT INTO background_jobs (id, job_type, payload, dedupe_key, priority, scheduled_at, max_retries)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), $7)
		 RETURNING `+jobColumns,
		args...,
	))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("a job with this dedupe key is already pending")
		}
		return nil, fmt.Errorf("enqueuing job: %w", err)
	}
	return j, nil
}

// EnqueueUnique inserts a job unless a PENDING or RUNNING job with the same
// dedupe key exists. It reports false when the request was coalesced.
func (s *Store) EnqueueUnique(ctx context.Context, q database.Querier, nj NewJob) (*Job, bool, error) {
	if nj.DedupeKey == nil || *nj.DedupeKey == "" {
		return nil, false, apperr.Validation("dedupe_key", "is required")
	}
	j, err := scanJob(q.QueryRow(ctx,
		`INSERT INTO background_jobs (id, job_type, payload, dedupe_key, priority, scheduled_at, max_retries)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), $7)
		 ON CONFLICT (dedupe_key) WHERE status IN ('PENDING', 'RUNNING') AND dedupe_key IS NOT NULL
		 DO NOTHING
		 RETURNING `+jobColumns,
		s.insertArgs(nj)...,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("enqueuing unique job: %w", err)
	}
	return j, true, nil
}

func (s *Store) insertArgs(nj NewJob) []any {
	payload := nj.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	priority := nj.Priority
	if priority <= 0 {
		priority = PriorityNormal
	}
	maxRetries := nj.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries
	}
	var scheduledAt *time.Time
	if !nj.ScheduledAt.IsZero() {
		scheduledAt = &nj.ScheduledAt
	}
	return []any{newID(), nj.Type, payload, nj.DedupeKey, priority, scheduledAt, maxRetries}
}

// ClaimDue moves up to limit due PENDING jobs to RUNNING and returns them in
// priority order. Rows locked by another claimer are skipped.
func (s *Store) ClaimDue(ctx context.Context, q database.Querier, now time.Time, limit int) ([]Job, error) {
	rows, err := q.Query(ctx,
		`WITH due AS (
		     SELECT id FROM background_jobs
		     WHERE status = 'PENDING' AND scheduled_at <= $1
		     ORDER BY priority, scheduled_at, id
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE background_jobs j
		 SET status = 'RUNNING', locked_at = $1, updated_at = now()
		 FROM due
		 WHERE j.id = due.id
		 RETURNING j.id, j.job_type, j.payload, j.dedupe_key, j.status, j.priority, j.scheduled_at,
		           j.retry_count, j.max_retries, j.last_error, j.locked_at, j.created_at, j.updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}
	claimed, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sortByPriority(claimed)
	return claimed, nil
}

// MarkCompleted finishes a job claimed at lockedAt.
func (s *Store) MarkCompleted(ctx context.Context, q database.Querier, id string, lockedAt time.Time) error {
	return s.transition(ctx, q, "marking job completed", id,
		`UPDATE background_jobs
		 SET status = 'COMPLETED', locked_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'RUNNING' AND locked_at = $2`,
		id, lockedAt,
	)
}

// MarkRetry returns a failed job to PENDING for another attempt at next.
func (s *Store) MarkRetry(ctx context.Context, q database.Querier, id string, lockedAt, next time.Time, lastError string) error {
	return s.transition(ctx, q, "marking job retry", id,
		`UPDATE background_jobs
		 SET status = 'PENDING', retry_count = retry_count + 1, scheduled_at = $3,
		     last_error = $4, locked_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'RUNNING' AND locked_at = $2`,
		id, lockedAt, next, lastError,
	)
}

// MarkFailed ends a job for good.
func (s *Store) MarkFailed(ctx context.Context, q database.Querier, id string, lockedAt time.Time, lastError string) error {
	return s.transition(ctx, q, "marking job failed", id,
		`UPDATE background_jobs
		 SET status = 'FAILED', retry_count = retry_count + 1,
		     last_error = $3, locked_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'RUNNING' AND locked_at = $2`,
		id, lockedAt, lastError,
	)
}

// transition applies a state change guarded by the claim. When nothing
// matches, the job no longer belongs to this worker: it was recovered and
// possibly re-claimed, or it does not exist.
func (s *Store) transition(ctx context.Context, q database.Querier, op, id, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrClaimLost)
	}
	return nil
}

// RecoverStale releases RUNNING jobs locked before lockedBefore; their worker
// is assumed dead. Each recovery counts as a failed attempt, so a job that
// keeps losing its worker ends FAILED once it runs out of retries.
func (s *Store) RecoverStale(ctx context.Context, q database.Querier, lockedBefore time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE background_jobs
		 SET status = CASE WHEN retry_count >= max_retries THEN 'FAILED' ELSE 'PENDING' END,
		     retry_count = retry_count + 1,
		     last_error = 'lock expired before the worker finished',
		     locked_at = NULL, updated_at = now()
		 WHERE status = 'RUNNING' AND locked_at < $1`,
		lockedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("recovering stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Get(ctx context.Context, q database.Querier, id string) (*Job, error) {
	j, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("job", id)
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return j, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context, q database.Querier) (map[Status]int, error) {
	rows, err := q.Query(ctx, `SELECT status, count(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// sortByPriority restores claim order; UPDATE ... RETURNING does not keep it.
func sortByPriority(js []Job) {
	slices.SortStableFunc(js, func(a, b Job) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j       Job
		status  string
		payload []byte
	)
	if err := row.Scan(&j.ID, &j.Type, &payload, &j.DedupeKey, &status, &j.Priority, &j.ScheduledAt,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &j.LockedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Payload = payload
	return &j, nil
}
