package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/teranos/hrpulse/errors"
)

// ErrScheduleNotFound is returned when no schedule matches.
var ErrScheduleNotFound = errors.Wrap(errors.ErrNotFound, "scheduled job not found")

// ParseCron parses a standard 5-field cron expression or a descriptor
// ("@hourly", "@every 15m").
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return sched, nil
}

// NextRun returns the first activation of expr strictly after after.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()).UTC(), nil
}

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const scheduleColumns = `id, handler_name, cron_expr, payload, state, next_run_at,
		last_run_at, last_job_id, created_at, updated_at`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var job Job
	var payload, lastJobID sql.NullString
	var lastRunAt sql.NullTime
	err := row.Scan(
		&job.ID,
		&job.HandlerName,
		&job.CronExpr,
		&payload,
		&job.State,
		&job.NextRunAt,
		&lastRunAt,
		&lastJobID,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	job.LastJobID = lastJobID.String
	return &job, nil
}

// Upsert creates or updates the schedule for handlerName. An unchanged
// active schedule keeps its next_run_at so restarts do not postpone
// firings; a new or changed cron expression is rescheduled from now.
func (s *Store) Upsert(ctx context.Context, handlerName, cronExpr string, payload json.RawMessage, now time.Time) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handler name cannot be empty")
	}
	now = now.UTC()
	next, err := NextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}

	pl := sql.NullString{String: string(payload), Valid: len(payload) > 0}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_pulse_jobs (
			id, handler_name, cron_expr, payload, state, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT(handler_name) DO UPDATE SET
			next_run_at = CASE
				WHEN scheduled_pulse_jobs.cron_expr = excluded.cron_expr AND scheduled_pulse_jobs.state = 'active'
				THEN scheduled_pulse_jobs.next_run_at
				ELSE excluded.next_run_at
			END,
			cron_expr = excluded.cron_expr,
			payload = excluded.payload,
			state = 'active',
			updated_at = excluded.updated_at`,
		uuid.NewString(), handlerName, cronExpr, pl, next, now, now)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to upsert schedule for %s", handlerName)
	}
	return s.GetByHandler(ctx, handlerName)
}

// GetJob retrieves a scheduled job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_pulse_jobs WHERE id = ?`, id)
	job, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrScheduleNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled job")
	}
	return job, nil
}

// GetByHandler retrieves the schedule for a handler name.
func (s *Store) GetByHandler(ctx context.Context, handlerName string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_pulse_jobs WHERE handler_name = ?`, handlerName)
	job, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrScheduleNotFound, "handler %s", handlerName)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled job")
	}
	return job, nil
}

// ListJobsDue returns active schedules with next_run_at <= now, oldest first.
func (s *Store) ListJobsDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	return s.list(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_pulse_jobs
		WHERE state = 'active' AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, now.UTC(), limit)
}

// ListAll returns every schedule that is not deleted, by handler name.
func (s *Store) ListAll(ctx context.Context) ([]*Job, error) {
	return s.list(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_pulse_jobs
		WHERE state != 'deleted'
		ORDER BY handler_name ASC`)
}

// GetNextScheduledJob returns the active schedule that fires soonest, or nil.
func (s *Store) GetNextScheduledJob(ctx context.Context) (*Job, error) {
	jobs, err := s.list(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_pulse_jobs
		WHERE state = 'active'
		ORDER BY next_run_at ASC
		LIMIT 1`)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scheduled jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduled jobs")
	}
	return jobs, nil
}

// Advance moves a schedule from the slot it was read at (expected) to next.
// The update is conditional on next_run_at still equalling expected, so of
// two tickers reading the same slot exactly one fires it. Returns false for
// the loser.
func (s *Store) Advance(ctx context.Context, id string, expected, next, now time.Time) (bool, error) {
	now = now.UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_pulse_jobs
		SET next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND next_run_at = ?`,
		next.UTC(), now, now, id, expected.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "failed to advance schedule %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// SetLastJob records the job enqueued by the most recent firing.
func (s *Store) SetLastJob(ctx context.Context, id, jobID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_pulse_jobs SET last_job_id = ?, updated_at = ? WHERE id = ?`,
		jobID, now.UTC(), id)
	return errors.Wrapf(err, "failed to record last job for schedule %s", id)
}

// UpdateState pauses, resumes or soft-deletes a schedule. Resuming
// recomputes next_run_at from now so missed slots are not replayed.
func (s *Store) UpdateState(ctx context.Context, id, state string, now time.Time) error {
	if !IsValidState(state) {
		return errors.NewInvalidRequestError("invalid schedule state %q", state)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	next := job.NextRunAt
	if state == StateActive && job.State != StateActive {
		if next, err = NextRun(job.CronExpr, now); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_pulse_jobs SET state = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		state, next.UTC(), now.UTC(), id)
	return errors.Wrapf(err, "failed to update state of schedule %s", id)
}
