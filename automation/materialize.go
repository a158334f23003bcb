package automation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/people"
	"github.com/teranos/hrpulse/pulse/async"
)

// hirePayload is the payload of hire.materialize jobs.
type hirePayload struct {
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id,omitempty"`
}

// Materializer creates the employee and draft offer of a candidate who
// reached the offer stage. Running it any number of times yields one
// employee and at most one active offer.
type Materializer struct {
	*core
	log *zap.SugaredLogger
}

func newMaterializer(c *core, log *zap.SugaredLogger) *Materializer {
	return &Materializer{core: c, log: logger.AddHireSymbol(log.Named("hire"))}
}

// HandleMaterialize is the hire.materialize handler.
func (m *Materializer) HandleMaterialize(ctx context.Context, job *async.Job) error {
	var p hirePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := m.Materialize(ctx, p.CandidateID, p.JobID)
	return err
}

// HireResult reports what a materializer run did.
type HireResult struct {
	Stale        bool // Candidate left the offer stage; nothing written
	EmployeeID   string
	OfferID      string
	OfferCreated bool
}

// Materialize runs the hire flow for candidateID. jobID overrides the
// candidate's requisition when set.
func (m *Materializer) Materialize(ctx context.Context, candidateID, jobID string) (*HireResult, error) {
	log := m.log.With(logger.FieldCandidateID, candidateID)

	cand, err := m.people.GetCandidate(ctx, candidateID)
	if errors.IsNotFoundError(err) {
		log.Infow("Candidate no longer exists, skipping hire flow")
		return &HireResult{Stale: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(cand.Stage, m.settings.OfferStage) {
		log.Infow("Candidate left the offer stage, skipping hire flow", logger.FieldStatus, cand.Stage)
		return &HireResult{Stale: true}, nil
	}

	if jobID == "" {
		jobID = cand.JobID
	}
	if jobID == "" {
		return nil, async.Permanent(errors.NewInvalidRequestError("candidate %s has no job", candidateID))
	}
	req, err := m.people.GetJob(ctx, jobID)
	if errors.IsNotFoundError(err) {
		return nil, async.Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	tmpl, err := m.people.ResolveOfferTemplate(ctx, req)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		log.Errorw("No offer template available", logger.FieldJobID, req.ID)
		return nil, async.Permanent(errors.Wrapf(ErrNoOfferTemplate, "job %s", req.ID))
	}

	emp, err := m.linkOrCreateEmployee(ctx, cand, req, log)
	if err != nil {
		return nil, err
	}
	res := &HireResult{EmployeeID: emp.ID}

	if active, err := m.people.FindActiveOffer(ctx, emp.ID); err != nil {
		return nil, err
	} else if active != nil {
		log.Debugw("Active offer exists", logger.FieldEmployeeID, emp.ID, logger.FieldOfferID, active.ID)
		res.OfferID = active.ID
		return res, nil
	}

	vars := templateVars(cand, req)
	if emp.StartDate != nil {
		vars["StartDate"] = emp.StartDate.Format("January 2, 2006")
	}
	body, err := mail.Render(&mail.Template{ID: tmpl.ID, TextBody: tmpl.Body}, vars)
	if err != nil {
		return nil, async.Permanent(errors.Wrapf(err, "offer template %s", tmpl.ID))
	}

	offer := &people.Offer{
		EmployeeID:  emp.ID,
		CandidateID: cand.ID,
		JobID:       req.ID,
		TemplateID:  tmpl.ID,
		Status:      people.OfferStatusDraft,
		Body:        body.TextBody,
		StartDate:   emp.StartDate,
	}
	if err := m.people.CreateOffer(ctx, offer); err != nil {
		if errors.Is(err, people.ErrActiveOfferExists) {
			// A concurrent run created it first
			log.Debugw("Offer created concurrently", logger.FieldEmployeeID, emp.ID)
			return res, nil
		}
		return nil, err
	}
	if err := m.audit(ctx, "offer", offer.ID, "created", cand.ID, "template="+tmpl.ID); err != nil {
		return nil, err
	}
	res.OfferID, res.OfferCreated = offer.ID, true
	log.Infow("Draft offer created", logger.FieldEmployeeID, emp.ID, logger.FieldOfferID, offer.ID)
	return res, nil
}

// linkOrCreateEmployee follows the candidate's employee link, else adopts
// an employee with the same contact email, else creates one.
func (m *Materializer) linkOrCreateEmployee(ctx context.Context, cand *people.Candidate, req *people.Job, log *zap.SugaredLogger) (*people.Employee, error) {
	if cand.EmployeeID != "" {
		emp, err := m.people.GetEmployee(ctx, cand.EmployeeID)
		switch {
		case err == nil:
			return emp, m.refreshEmployee(ctx, emp, cand, req, "updated")
		case !errors.IsNotFoundError(err):
			return nil, err
		}
		log.Warnw("Linked employee is gone, relinking", logger.FieldEmployeeID, cand.EmployeeID)
	}

	emp, err := m.people.FindEmployeeByEmail(ctx, cand.Email)
	if err != nil {
		return nil, err
	}
	if emp != nil {
		if emp.CandidateID != "" && emp.CandidateID != cand.ID {
			log.Infow("Employee with matching email moves to the new candidate",
				logger.FieldEmployeeID, emp.ID, "previous_candidate_id", emp.CandidateID)
		}
		emp.CandidateID = cand.ID
		if err := m.refreshEmployee(ctx, emp, cand, req, "linked"); err != nil {
			return nil, err
		}
		return emp, m.people.AdoptEmployee(ctx, cand.ID, emp.ID)
	}

	start := EstimateStartDate(cand.NoticePeriod, m.now())
	emp = &people.Employee{
		CandidateID:    cand.ID,
		FirstName:      cand.FirstName,
		LastName:       cand.LastName,
		Email:          cand.Email,
		JobTitle:       req.Title,
		Department:     req.Department,
		EmploymentType: req.EmploymentType,
		Status:         people.EmployeeStatusPendingStart,
		StartDate:      &start,
	}
	if err := m.people.CreateEmployee(ctx, emp); err != nil {
		// ErrEmployeeLinked: a concurrent run won; the retry finds it by email
		return nil, err
	}
	if err := m.audit(ctx, "employee", emp.ID, "created", cand.ID, "start_date="+start.Format("2006-01-02")); err != nil {
		return nil, err
	}
	log.Infow("Employee created", logger.FieldEmployeeID, emp.ID, "start_date", start)
	return emp, m.people.LinkCandidateEmployee(ctx, cand.ID, emp.ID)
}

// refreshEmployee copies hire details onto an existing employee and writes
// only when something changed. A start date already set is kept.
func (m *Materializer) refreshEmployee(ctx context.Context, emp *people.Employee, cand *people.Candidate, req *people.Job, verb string) error {
	before := *emp
	if emp.FirstName == "" {
		emp.FirstName = cand.FirstName
	}
	if emp.LastName == "" {
		emp.LastName = cand.LastName
	}
	emp.JobTitle = req.Title
	emp.Department = req.Department
	emp.EmploymentType = req.EmploymentType
	if emp.StartDate == nil {
		start := EstimateStartDate(cand.NoticePeriod, m.now())
		emp.StartDate = &start
	}
	if verb != "linked" && employeeUnchanged(before, *emp) {
		return nil
	}
	if err := m.people.UpdateEmployee(ctx, emp); err != nil {
		return err
	}
	return m.audit(ctx, "employee", emp.ID, verb, cand.ID, fmt.Sprintf("job=%s", req.ID))
}

func employeeUnchanged(a, b people.Employee) bool {
	return a.CandidateID == b.CandidateID &&
		a.FirstName == b.FirstName && a.LastName == b.LastName &&
		a.JobTitle == b.JobTitle && a.Department == b.Department &&
		a.EmploymentType == b.EmploymentType &&
		(a.StartDate == nil) == (b.StartDate == nil)
}

func (m *Materializer) audit(ctx context.Context, entityType, entityID, verb, candidateID, details string) error {
	return m.people.RecordAudit(ctx, &people.AuditEntry{
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      verb,
		CandidateID: candidateID,
		Details:     details,
	})
}
