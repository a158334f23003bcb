package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/hrpulse/errors"
)

// Store handles persistence of pulse jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.Wrap(errors.ErrNotFound, "job not found")

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO pulse_jobs (
			id, handler_name, source, payload, status, error,
			retry_count, retry_limit, retry_delay_ms, run_after, schedule_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	scheduleID := sql.NullString{String: job.ScheduleID, Valid: job.ScheduleID != ""}
	errMsg := sql.NullString{String: job.Error, Valid: job.Error != ""}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.HandlerName,
		job.Source,
		payload,
		job.Status,
		errMsg,
		job.RetryCount,
		job.RetryLimit,
		job.RetryDelay.Milliseconds(),
		job.RunAfter.UTC(),
		scheduleID,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM pulse_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ClaimNext moves the oldest due queued job to running and returns it.
// Returns (nil, nil) when nothing is due or another worker won the race for
// the candidate; the caller simply polls again.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	now = now.UTC()

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM pulse_jobs
		WHERE status = 'queued' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find due job")
	}

	// The status predicate makes this the linearization point across processes.
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`, now, now, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim job %s", id)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if claimed == 0 {
		return nil, nil
	}

	return s.GetJob(ctx, id)
}

// transition applies a status change guarded by the expected current status.
// Returns false when the job was not in that status.
func (s *Store) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// CompleteJob marks a running job completed.
func (s *Store) CompleteJob(ctx context.Context, id string, now time.Time) (bool, error) {
	now = now.UTC()
	ok, err := s.transition(ctx, `
		UPDATE pulse_jobs SET status = 'completed', error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, now, now, id)
	return ok, errors.Wrapf(err, "failed to complete job %s", id)
}

// FailJob marks a running job failed with reason.
func (s *Store) FailJob(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	now = now.UTC()
	ok, err := s.transition(ctx, `
		UPDATE pulse_jobs SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, reason, now, now, id)
	return ok, errors.Wrapf(err, "failed to fail job %s", id)
}

// RequeueJob returns a running job to queued with a new retry count and
// earliest run time.
func (s *Store) RequeueJob(ctx context.Context, id string, retryCount int, runAfter time.Time, reason string, now time.Time) (bool, error) {
	now = now.UTC()
	errMsg := sql.NullString{String: reason, Valid: reason != ""}
	ok, err := s.transition(ctx, `
		UPDATE pulse_jobs SET status = 'queued', retry_count = ?, run_after = ?, error = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`, retryCount, runAfter.UTC(), errMsg, now, id)
	return ok, errors.Wrapf(err, "failed to requeue job %s", id)
}

// CancelJob cancels a queued job. Running jobs are left to finish.
func (s *Store) CancelJob(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	now = now.UTC()
	ok, err := s.transition(ctx, `
		UPDATE pulse_jobs SET status = 'cancelled', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`, reason, now, now, id)
	return ok, errors.Wrapf(err, "failed to cancel job %s", id)
}

// RequeueOrphans re-queues jobs left running by a crashed worker.
// Only jobs whose last update is older than staleBefore are touched, so a
// restarting process does not steal work a live process is executing.
func (s *Store) RequeueOrphans(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	now = now.UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET status = 'queued', run_after = ?, started_at = NULL, updated_at = ?
		WHERE status = 'running' AND updated_at <= ?`, now, now, staleBefore.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue orphaned jobs")
	}
	return result.RowsAffected()
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM pulse_jobs`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// HasActiveJobForSchedule reports whether a queued or running job exists
// for scheduleID.
func (s *Store) HasActiveJobForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pulse_jobs WHERE schedule_id = ? AND status IN ('queued', 'running'))`,
		scheduleID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check active jobs for schedule")
	}
	return exists, nil
}

// CountByStatus returns the number of jobs in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pulse_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs removes terminal jobs last updated before cutoff.
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pulse_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	return result.RowsAffected()
}
