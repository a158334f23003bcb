package people

import (
	"context"
	"database/sql"

	"github.com/teranos/hrpulse/db"
	"github.com/teranos/hrpulse/errors"
)

// CreateOfferTemplate inserts an offer template.
func (s *Store) CreateOfferTemplate(ctx context.Context, t *OfferTemplate) error {
	t.ID = newID(t.ID)
	t.CreatedAt = s.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offer_templates (id, name, employment_type, body, created_at)
		VALUES (?, ?, ?, ?, ?)`, t.ID, t.Name, t.EmploymentType, t.Body, t.CreatedAt)
	return errors.Wrapf(err, "failed to create offer template %s", t.Name)
}

func (s *Store) offerTemplate(ctx context.Context, where string, args ...interface{}) (*OfferTemplate, error) {
	var t OfferTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, employment_type, body, created_at FROM offer_templates
		WHERE `+where+` ORDER BY created_at ASC, id ASC LIMIT 1`, args...).
		Scan(&t.ID, &t.Name, &t.EmploymentType, &t.Body, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query offer templates")
	}
	return &t, nil
}

// ResolveOfferTemplate picks the template for an offer on job: the job's
// configured default, else the first matching its employment type, else
// any. Returns nil when no template exists at all.
func (s *Store) ResolveOfferTemplate(ctx context.Context, job *Job) (*OfferTemplate, error) {
	if job.DefaultOfferTemplateID != "" {
		t, err := s.offerTemplate(ctx, `id = ?`, job.DefaultOfferTemplateID)
		if err != nil || t != nil {
			return t, err
		}
	}
	if job.EmploymentType != "" {
		t, err := s.offerTemplate(ctx, `employment_type = ?`, job.EmploymentType)
		if err != nil || t != nil {
			return t, err
		}
	}
	return s.offerTemplate(ctx, `1 = 1`)
}

const offerColumns = `id, employee_id, candidate_id, job_id, template_id, status, body, start_date, created_at, updated_at`

func scanOffer(row scanner) (*Offer, error) {
	var o Offer
	var candidate, job, template sql.NullString
	var start sql.NullTime
	err := row.Scan(&o.ID, &o.EmployeeID, &candidate, &job, &template, &o.Status, &o.Body, &start, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.CandidateID = candidate.String
	o.JobID = job.String
	o.TemplateID = template.String
	o.StartDate = timePtr(start)
	return &o, nil
}

// FindActiveOffer returns the employee's DRAFT, SENT or SIGNED offer, or nil.
func (s *Store) FindActiveOffer(ctx context.Context, employeeID string) (*Offer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE employee_id = ? AND status IN ('DRAFT', 'SENT', 'SIGNED')
		LIMIT 1`, employeeID)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find active offer for employee %s", employeeID)
	}
	return o, nil
}

// CreateOffer inserts an offer. The database allows one active offer per
// employee; losing that race returns ErrActiveOfferExists.
func (s *Store) CreateOffer(ctx context.Context, o *Offer) error {
	now := s.Now()
	o.ID = newID(o.ID)
	o.CreatedAt, o.UpdatedAt = now, now
	if o.Status == "" {
		o.Status = OfferStatusDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.EmployeeID, nullString(o.CandidateID), nullString(o.JobID), nullString(o.TemplateID),
		o.Status, o.Body, nullTime(o.StartDate), o.CreatedAt, o.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrActiveOfferExists, "employee %s", o.EmployeeID)
	}
	return errors.Wrapf(err, "failed to create offer for employee %s", o.EmployeeID)
}

// ListOffers returns every offer for an employee, oldest first.
func (s *Store) ListOffers(ctx context.Context, employeeID string) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE employee_id = ? ORDER BY created_at ASC`, employeeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list offers")
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan offer")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetOfferStatus changes an offer's status.
func (s *Store) SetOfferStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE offers SET status = ?, updated_at = ? WHERE id = ?`, status, s.Now(), id)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrActiveOfferExists, "offer %s", id)
	}
	return errors.Wrapf(err, "failed to set status of offer %s", id)
}
