package automation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/people"
)

// Sweeps runs the time-driven employee corrections.
type Sweeps struct {
	*core
	log *zap.SugaredLogger
}

func newSweeps(c *core, log *zap.SugaredLogger) *Sweeps {
	return &Sweeps{core: c, log: logger.AddSweepSymbol(log.Named("sweeps"))}
}

// AutoActivate moves employees in a pending-start status whose start date
// has passed to ACTIVE, in one statement.
func (s *Sweeps) AutoActivate(ctx context.Context) (*SweepResult, error) {
	res := newSweepResult(SweepAutoActivate)
	n, err := s.people.ActivatePendingEmployees(ctx, s.settings.PendingStartStatuses, s.now())
	if err != nil {
		return res, err
	}
	res.add(s.rec, OutcomeActivated, int(n))
	if n > 0 {
		s.log.Infow("Employees activated", logger.FieldSweep, SweepAutoActivate, logger.FieldCount, n)
	}
	return res, nil
}

// SyncIdentities reconciles every employee's work email with the identity
// directory. Lookups that fail are logged and skipped.
func (s *Sweeps) SyncIdentities(ctx context.Context) (*SweepResult, error) {
	res := newSweepResult(SweepIdentitySync)
	if s.directory == nil {
		s.log.Debugw("Identity directory not configured, skipping reconciliation")
		return res, nil
	}

	after := ""
	for {
		page, err := s.people.ListEmployeesForIdentitySync(ctx, after, s.settings.BatchSize)
		if err != nil {
			return res, err
		}
		for _, emp := range page {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.add(s.rec, s.reconcile(ctx, emp), 1)
		}
		if len(page) < s.settings.BatchSize {
			break
		}
		after = page[len(page)-1].ID
	}

	if res.Count(OutcomeUpdated) > 0 || res.Count(OutcomeError) > 0 {
		s.log.Infow("Identity reconciliation finished", logger.FieldSweep, SweepIdentitySync, "outcomes", res.String())
	}
	return res, nil
}

func (s *Sweeps) reconcile(ctx context.Context, emp *people.Employee) string {
	log := s.log.With(logger.FieldEmployeeID, emp.ID)

	canonical, err := s.directory.LookupCanonicalEmail(ctx, emp.ID)
	if err != nil {
		log.Warnw("Identity lookup failed", logger.FieldError, err)
		return OutcomeError
	}
	if canonical == "" || strings.EqualFold(canonical, emp.WorkEmail) {
		return OutcomeUnchanged
	}

	ok, err := s.people.UpdateWorkEmail(ctx, emp.ID, emp.WorkEmail, canonical)
	if err != nil {
		log.Errorw("Failed to update work email", logger.FieldError, err)
		return OutcomeError
	}
	if !ok {
		// Changed underneath us; the next pass sees the new value
		return OutcomeDuplicate
	}
	log.Infow("Work email reconciled", "before", emp.WorkEmail, "after", canonical)

	err = s.people.RecordAudit(ctx, &people.AuditEntry{
		EntityType:  "employee",
		EntityID:    emp.ID,
		Action:      "updated",
		CandidateID: emp.CandidateID,
		Details:     "work_email: " + emp.WorkEmail + " -> " + canonical,
	})
	if err != nil {
		log.Errorw("Failed to audit work email change", logger.FieldError, err)
	}
	return OutcomeUpdated
}
