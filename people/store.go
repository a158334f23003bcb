package people

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// Store reads and writes HR records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new people store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateJob inserts a requisition.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	j.ID = newID(j.ID)
	j.CreatedAt = s.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, title, department, location, employment_type, salary,
			hiring_manager_id, default_offer_template_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Title, j.Department, j.Location, j.EmploymentType, j.Salary,
		nullString(j.HiringManagerID), nullString(j.DefaultOfferTemplateID), j.CreatedAt)
	return errors.Wrapf(err, "failed to create job %s", j.Title)
}

// GetJob returns the requisition with id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var manager, template sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, department, location, employment_type, salary,
			hiring_manager_id, default_offer_template_id, created_at
		FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Title, &j.Department, &j.Location, &j.EmploymentType, &j.Salary,
		&manager, &template, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	j.HiringManagerID = manager.String
	j.DefaultOfferTemplateID = template.String
	return &j, nil
}

const candidateColumns = `id, job_id, first_name, last_name, email, phone, stage, stage_changed_at,
		notice_period, recruiter_id, employee_id, created_at, updated_at`

func scanCandidate(row scanner) (*Candidate, error) {
	var c Candidate
	var jobID, recruiter, employee sql.NullString
	var changed sql.NullTime
	err := row.Scan(&c.ID, &jobID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Stage, &changed,
		&c.NoticePeriod, &recruiter, &employee, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.JobID = jobID.String
	c.RecruiterID = recruiter.String
	c.EmployeeID = employee.String
	c.StageChangedAt = timePtr(changed)
	return &c, nil
}

// CreateCandidate inserts a candidate.
func (s *Store) CreateCandidate(ctx context.Context, c *Candidate) error {
	now := s.Now()
	c.ID = newID(c.ID)
	c.CreatedAt, c.UpdatedAt = now, now
	if c.StageChangedAt == nil {
		c.StageChangedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (`+candidateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullString(c.JobID), c.FirstName, c.LastName, c.Email, c.Phone, c.Stage,
		nullTime(c.StageChangedAt), c.NoticePeriod, nullString(c.RecruiterID),
		nullString(c.EmployeeID), c.CreatedAt, c.UpdatedAt)
	return errors.Wrapf(err, "failed to create candidate %s", c.Email)
}

// GetCandidate returns the candidate with id.
func (s *Store) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrCandidateNotFound, "candidate %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get candidate %s", id)
	}
	return c, nil
}

// SetCandidateStage moves a candidate to stage and returns the stage it
// left. Moving to the current stage is a no-op that still returns it.
func (s *Store) SetCandidateStage(ctx context.Context, id, stage string) (string, error) {
	c, err := s.GetCandidate(ctx, id)
	if err != nil {
		return "", err
	}
	if c.Stage == stage {
		return c.Stage, nil
	}
	now := s.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET stage = ?, stage_changed_at = ?, updated_at = ?
		WHERE id = ? AND stage = ?`, stage, now, now, id, c.Stage)
	if err != nil {
		return "", errors.Wrapf(err, "failed to move candidate %s to %s", id, stage)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return "", errors.Wrapf(errors.ErrConflict, "candidate %s changed stage concurrently", id)
	}
	return c.Stage, nil
}

// AdoptEmployee links employeeID to candidateID and clears the link of
// every other candidate that pointed at it, in one transaction.
func (s *Store) AdoptEmployee(ctx context.Context, candidateID, employeeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := s.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE candidates SET employee_id = NULL, updated_at = ?
		WHERE employee_id = ? AND id != ?`,
		now, employeeID, candidateID); err != nil {
		return errors.Wrapf(err, "failed to unlink previous candidates of employee %s", employeeID)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE candidates SET employee_id = ?, updated_at = ?
		WHERE id = ? AND (employee_id IS NULL OR employee_id = ?)`,
		employeeID, now, candidateID, employeeID)
	if err != nil {
		return errors.Wrapf(err, "failed to link candidate %s", candidateID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		tx.Rollback()
		if _, err := s.GetCandidate(ctx, candidateID); err != nil {
			return err
		}
		return errors.Wrapf(ErrEmployeeLinked, "candidate %s", candidateID)
	}
	return errors.Wrap(tx.Commit(), "failed to commit employee adoption")
}

// LinkCandidateEmployee records the back-reference from a candidate to the
// employee materialized from it.
func (s *Store) LinkCandidateEmployee(ctx context.Context, candidateID, employeeID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET employee_id = ?, updated_at = ?
		WHERE id = ? AND (employee_id IS NULL OR employee_id = ?)`,
		employeeID, s.Now(), candidateID, employeeID)
	if err != nil {
		return errors.Wrapf(err, "failed to link candidate %s", candidateID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetCandidate(ctx, candidateID); err != nil {
			return err
		}
		return errors.Wrapf(ErrEmployeeLinked, "candidate %s", candidateID)
	}
	return nil
}
