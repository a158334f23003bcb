package people

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/hrpulse/db"
	"github.com/teranos/hrpulse/errors"
)

const employeeColumns = `id, candidate_id, first_name, last_name, email, work_email, job_title,
		department, employment_type, status, start_date, created_at, updated_at`

func scanEmployee(row scanner) (*Employee, error) {
	var e Employee
	var candidate sql.NullString
	var start sql.NullTime
	err := row.Scan(&e.ID, &candidate, &e.FirstName, &e.LastName, &e.Email, &e.WorkEmail, &e.JobTitle,
		&e.Department, &e.EmploymentType, &e.Status, &start, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.CandidateID = candidate.String
	e.StartDate = timePtr(start)
	return &e, nil
}

// GetEmployee returns the employee with id.
func (s *Store) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = ?`, id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrEmployeeNotFound, "employee %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get employee %s", id)
	}
	return e, nil
}

// FindEmployeeByEmail returns the oldest employee whose contact email
// matches, ignoring case, or nil when there is none.
func (s *Store) FindEmployeeByEmail(ctx context.Context, email string) (*Employee, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+employeeColumns+` FROM employees
		WHERE lower(email) = ? ORDER BY created_at ASC LIMIT 1`, email)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find employee by email")
	}
	return e, nil
}

// CreateEmployee inserts an employee. Returns ErrEmployeeLinked when
// another employee already links to the same candidate.
func (s *Store) CreateEmployee(ctx context.Context, e *Employee) error {
	now := s.Now()
	e.ID = newID(e.ID)
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = EmployeeStatusPendingStart
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (`+employeeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.CandidateID), e.FirstName, e.LastName, e.Email, e.WorkEmail, e.JobTitle,
		e.Department, e.EmploymentType, e.Status, nullTime(e.StartDate), e.CreatedAt, e.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrEmployeeLinked, "candidate %s", e.CandidateID)
	}
	return errors.Wrapf(err, "failed to create employee %s", e.Email)
}

// UpdateEmployee writes the mutable fields of e.
func (s *Store) UpdateEmployee(ctx context.Context, e *Employee) error {
	e.UpdatedAt = s.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE employees SET candidate_id = ?, first_name = ?, last_name = ?, email = ?, work_email = ?,
			job_title = ?, department = ?, employment_type = ?, status = ?, start_date = ?, updated_at = ?
		WHERE id = ?`,
		nullString(e.CandidateID), e.FirstName, e.LastName, e.Email, e.WorkEmail,
		e.JobTitle, e.Department, e.EmploymentType, e.Status, nullTime(e.StartDate), e.UpdatedAt, e.ID)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrEmployeeLinked, "candidate %s", e.CandidateID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to update employee %s", e.ID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrEmployeeNotFound, "employee %s", e.ID)
	}
	return nil
}

// ListEmployeesForIdentitySync returns non-terminated employees with ids
// after afterID, in id order, for paging through a reconciliation pass.
func (s *Store) ListEmployeesForIdentitySync(ctx context.Context, afterID string, limit int) ([]*Employee, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+employeeColumns+` FROM employees
		WHERE status != ? AND id > ?
		ORDER BY id ASC LIMIT ?`, EmployeeStatusTerminated, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list employees")
	}
	defer rows.Close()

	var out []*Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan employee")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActivatePendingEmployees moves every employee whose status is in statuses
// and whose start date is at or before now to ACTIVE, in one statement.
// Already active rows do not match, so repeating it is harmless.
func (s *Store) ActivatePendingEmployees(ctx context.Context, statuses []string, now time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []interface{}{EmployeeStatusActive, now.UTC()}
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, now.UTC())

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	result, err := s.db.ExecContext(ctx, `
		UPDATE employees SET status = ?, updated_at = ?
		WHERE status IN (`+placeholders+`) AND start_date IS NOT NULL AND start_date <= ?`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to activate pending employees")
	}
	return result.RowsAffected()
}

// UpdateWorkEmail replaces the work email of an employee if it still equals
// old. Returns false when it changed underneath.
func (s *Store) UpdateWorkEmail(ctx context.Context, id, old, updated string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE employees SET work_email = ?, updated_at = ?
		WHERE id = ? AND work_email = ?`, updated, s.Now(), id, old)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update work email of employee %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}
