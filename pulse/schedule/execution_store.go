package schedule

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// ExecutionStore handles persistence of schedule firing history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution inserts exec, assigning an id when it has none.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	jobID := sql.NullString{String: exec.JobID, Valid: exec.JobID != ""}
	reason := sql.NullString{String: exec.Reason, Valid: exec.Reason != ""}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_executions (id, scheduled_job_id, job_id, status, reason, fired_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduledJobID, jobID, exec.Status, reason, exec.FiredAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to record execution of schedule %s", exec.ScheduledJobID)
	}
	return nil
}

// ListExecutions returns the most recent firings of a schedule, newest first.
func (s *ExecutionStore) ListExecutions(ctx context.Context, scheduledJobID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduled_job_id, job_id, status, reason, fired_at
		FROM pulse_executions
		WHERE scheduled_job_id = ?
		ORDER BY fired_at DESC
		LIMIT ?`, scheduledJobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var exec Execution
		var jobID, reason sql.NullString
		if err := rows.Scan(&exec.ID, &exec.ScheduledJobID, &jobID, &exec.Status, &reason, &exec.FiredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		exec.JobID = jobID.String
		exec.Reason = reason.String
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// CountByStatus returns firing counts per status for a schedule.
func (s *ExecutionStore) CountByStatus(ctx context.Context, scheduledJobID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM pulse_executions
		WHERE scheduled_job_id = ? GROUP BY status`, scheduledJobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
