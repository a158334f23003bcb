package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/people"
)

// Reminders schedules follow-ups on sent stage emails and runs the reminder
// and escalation sweeps.
type Reminders struct {
	*core
	log *zap.SugaredLogger
}

func newReminders(c *core, log *zap.SugaredLogger) *Reminders {
	return &Reminders{core: c, log: logger.AddSweepSymbol(log.Named("reminders"))}
}

// ScheduleFollowUp records a PENDING reminder on the email emailID sent at
// sentAt for parent, due delayHours later. Scheduling twice for the same
// email returns the existing reminder.
func (r *Reminders) ScheduleFollowUp(ctx context.Context, parent *action.Action, emailID string, sentAt time.Time, delayHours int) (string, error) {
	if emailID == "" {
		return "", errors.NewInvalidRequestError("follow-up requires the sent email id")
	}
	if delayHours <= 0 {
		return "", errors.NewInvalidRequestError("follow-up delay must be positive, got %d hours", delayHours)
	}
	sent := sentAt.UTC()
	a := &action.Action{
		SubjectID:          parent.SubjectID,
		Kind:               action.KindReminder,
		FromState:          parent.FromState,
		ToState:            parent.ToState,
		OwnerID:            parent.OwnerID,
		ScheduledFor:       sent.Add(time.Duration(delayHours) * time.Hour),
		Status:             action.StatusPending,
		ParentResultRef:    emailID,
		ParentSentAt:       &sent,
		EscalateAfterHours: r.settings.EscalateAfterHours,
	}
	id, existed, err := r.actions.Create(ctx, a)
	if err != nil {
		return "", err
	}
	if !existed {
		r.recordAction(a.Kind, a.Status)
		r.log.Infow("Reminder scheduled",
			logger.FieldActionID, id,
			logger.FieldSubjectID, a.SubjectID,
			logger.FieldScheduledFor, a.ScheduledFor)
	}
	return id, nil
}

// SweepReminders sends every due reminder whose thread has had no reply.
// Items are isolated: one failure never stops the pass.
func (r *Reminders) SweepReminders(ctx context.Context) (*SweepResult, error) {
	res := newSweepResult(SweepReminders)
	now := r.now()

	skipped, err := r.actions.ListSkippedDueReminders(ctx, now, r.settings.BatchSize)
	if err != nil {
		return res, err
	}
	for _, a := range skipped {
		err := r.actions.Cancel(ctx, a.ID, "skip requested")
		switch {
		case action.IsAlreadyHandled(err):
			res.add(r.rec, OutcomeDuplicate, 1)
		case err != nil:
			r.log.Errorw("Failed to cancel skipped reminder", logger.FieldActionID, a.ID, logger.FieldError, err)
			res.add(r.rec, OutcomeError, 1)
		default:
			r.recordAction(a.Kind, action.StatusCancelled)
			res.add(r.rec, OutcomeSkipped, 1)
		}
	}

	// Reminders left PENDING for want of a template are paged past so they
	// never hold back the due rows behind them.
	var after action.Cursor
	handled := 0
	for handled < r.settings.BatchSize {
		page, err := r.actions.ListDueReminders(ctx, now, after, r.settings.BatchSize)
		if err != nil {
			return res, err
		}
		for _, a := range page {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			after = action.Cursor{At: a.ScheduledFor, ID: a.ID}
			outcome, err := r.processReminder(ctx, a)
			if err != nil {
				r.log.Errorw("Reminder failed",
					logger.FieldActionID, a.ID,
					logger.FieldSubjectID, a.SubjectID,
					logger.FieldError, err)
			}
			res.add(r.rec, outcome, 1)
			if actionable(outcome) {
				if handled++; handled >= r.settings.BatchSize {
					break
				}
			}
		}
		if len(page) < r.settings.BatchSize {
			break
		}
	}

	if res.Total() > 0 {
		r.log.Infow("Reminder sweep finished", logger.FieldSweep, SweepReminders, "outcomes", res.String())
	}
	return res, nil
}

func (r *Reminders) processReminder(ctx context.Context, due *action.Action) (string, error) {
	a, err := r.actions.Claim(ctx, due.ID)
	if action.IsAlreadyHandled(err) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeError, err
	}
	log := r.log.With(logger.FieldActionID, a.ID, logger.FieldSubjectID, a.SubjectID)

	if a.ResultRef != "" {
		// Delivered by an earlier pass that could not complete
		return r.completeReminder(ctx, a, a.ResultRef, log)
	}

	if a.SkipRequested {
		if err := r.actions.Cancel(ctx, a.ID, "skip requested"); err != nil {
			return OutcomeError, err
		}
		r.recordAction(a.Kind, action.StatusCancelled)
		return OutcomeSkipped, nil
	}

	// A reply makes the follow-up moot
	replied, err := r.repliedSince(ctx, a.ParentResultRef, a.ParentSentAt)
	if err != nil {
		return OutcomeError, r.unclaim(ctx, a, err)
	}
	if replied {
		if err := r.actions.Cancel(ctx, a.ID, "reply received"); err != nil {
			return OutcomeError, err
		}
		r.recordAction(a.Kind, action.StatusCancelled)
		log.Infow("Reminder cancelled, candidate replied")
		return OutcomeCancelled, nil
	}

	tmpl, err := r.reminderTemplate(ctx, a)
	if err != nil {
		return OutcomeError, r.unclaim(ctx, a, err)
	}
	if tmpl == nil {
		// Configuration defect: stay PENDING without spending an attempt
		if err := r.actions.Unclaim(ctx, a.ID, fmt.Sprintf("no reminder template for stage %s", a.ToState)); err != nil {
			return OutcomeError, err
		}
		log.Warnw("No reminder template configured, leaving reminder pending", logger.FieldToState, a.ToState)
		return OutcomeUnconfigured, nil
	}

	cand, req, err := r.loadSubject(ctx, a.SubjectID)
	if errors.IsNotFoundError(err) {
		return r.failReminder(ctx, a, err)
	}
	if err != nil {
		return OutcomeError, r.unclaim(ctx, a, err)
	}
	msg, err := r.compose(tmpl, cand, req)
	if err != nil {
		return r.failReminder(ctx, a, err)
	}
	msg.ReplyToID = a.ParentResultRef
	msg.ThreadID = a.ParentResultRef

	sent, err := r.transport.Send(ctx, msg)
	if err != nil {
		if errors.IsInvalidRequestError(err) || a.Attempts+1 >= r.settings.MaxSendAttempts {
			return r.failReminder(ctx, a, err)
		}
		if _, relErr := r.actions.Release(ctx, a.ID, err.Error()); relErr != nil {
			return OutcomeError, errors.WithSecondaryError(err, relErr)
		}
		return OutcomeRetried, err
	}

	return r.completeReminder(ctx, a, sent.EmailID, log)
}

// completeReminder marks a delivered reminder SENT. On failure the email id
// stays on the action and the reminder is due again once its lease
// expires, so the next pass completes it without sending twice.
func (r *Reminders) completeReminder(ctx context.Context, a *action.Action, emailID string, log *zap.SugaredLogger) (string, error) {
	if err := r.actions.Complete(ctx, a.ID, emailID); err != nil {
		if a.ResultRef != emailID {
			if recErr := r.actions.RecordResult(ctx, a.ID, emailID); recErr != nil {
				err = errors.WithSecondaryError(err, recErr)
			}
		}
		return OutcomeError, errors.WithDetailf(err, "Email ID: %s", emailID)
	}
	r.recordAction(a.Kind, action.StatusSent)
	log.Infow("Reminder sent", logger.FieldEmailID, emailID)
	return OutcomeSent, nil
}

func (r *Reminders) repliedSince(ctx context.Context, threadID string, since *time.Time) (bool, error) {
	if threadID == "" || since == nil {
		return false, nil
	}
	return r.threads.HasReplySince(ctx, threadID, *since)
}

func (r *Reminders) reminderTemplate(ctx context.Context, a *action.Action) (*mail.Template, error) {
	if a.TemplateID != "" {
		t, err := r.templates.ByID(ctx, a.TemplateID)
		if err != nil || t != nil {
			return t, err
		}
	}
	return r.templates.ForStage(ctx, a.ToState, mail.KindReminder)
}

func (r *Reminders) failReminder(ctx context.Context, a *action.Action, cause error) (string, error) {
	if err := r.actions.Fail(ctx, a.ID, cause.Error()); err != nil {
		return OutcomeError, errors.WithSecondaryError(cause, err)
	}
	r.recordAction(a.Kind, action.StatusFailed)
	return OutcomeFailed, cause
}

func (r *Reminders) unclaim(ctx context.Context, a *action.Action, cause error) error {
	if err := r.actions.Unclaim(ctx, a.ID, cause.Error()); err != nil {
		return errors.WithSecondaryError(cause, err)
	}
	return cause
}

// SweepEscalations notifies the owning recruiter of every sent reminder
// that has gone unanswered past its escalation window.
//
// A reply seen in the same pass always wins over escalation. The
// conditional stamp in MarkEscalated is the guard: of any number of
// concurrent sweeps exactly one notifies.
func (r *Reminders) SweepEscalations(ctx context.Context) (*SweepResult, error) {
	res := newSweepResult(SweepEscalations)
	now := r.now()

	var after action.Cursor
	handled := 0
	for handled < r.settings.BatchSize {
		page, err := r.actions.ListEscalationCandidates(ctx, now, after, r.settings.BatchSize)
		if err != nil {
			return res, err
		}
		for _, a := range page {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			after = action.Cursor{At: *a.SentAt, ID: a.ID}
			due, ok := a.EscalationDue()
			if !ok || due.After(now) {
				continue
			}
			outcome, err := r.escalate(ctx, a, now)
			if err != nil {
				r.log.Errorw("Escalation failed",
					logger.FieldActionID, a.ID,
					logger.FieldSubjectID, a.SubjectID,
					logger.FieldError, err)
			}
			res.add(r.rec, outcome, 1)
			if actionable(outcome) {
				if handled++; handled >= r.settings.BatchSize {
					break
				}
			}
		}
		if len(page) < r.settings.BatchSize {
			break
		}
	}

	if res.Total() > 0 {
		r.log.Infow("Escalation sweep finished", logger.FieldSweep, SweepEscalations, "outcomes", res.String())
	}
	return res, nil
}

// actionable reports whether outcome counts toward a sweep's batch. Rows
// that stay eligible without any change do not.
func actionable(outcome string) bool {
	return outcome != OutcomeUnconfigured && outcome != OutcomeError
}

func (r *Reminders) escalate(ctx context.Context, a *action.Action, now time.Time) (string, error) {
	log := r.log.With(logger.FieldActionID, a.ID, logger.FieldSubjectID, a.SubjectID, logger.FieldOwnerID, a.OwnerID)

	replied, err := r.repliedSince(ctx, a.ParentResultRef, a.SentAt)
	if err != nil {
		return OutcomeError, err
	}
	if replied {
		if _, err := r.actions.MarkEscalated(ctx, a.ID, now, action.OutcomeCancelled); err != nil {
			return OutcomeError, err
		}
		log.Infow("Escalation cancelled, candidate replied")
		return OutcomeCancelled, nil
	}

	if a.OwnerID == "" {
		// Left eligible so it escalates once an owner is assigned
		log.Errorw("Cannot escalate: no recruiter owns this candidate")
		return OutcomeUnconfigured, nil
	}

	won, err := r.actions.MarkEscalated(ctx, a.ID, now, action.OutcomeNotified)
	if err != nil {
		return OutcomeError, err
	}
	if !won {
		return OutcomeDuplicate, nil
	}

	title := "No reply from " + a.SubjectID
	if cand, err := r.people.GetCandidate(ctx, a.SubjectID); err == nil {
		title = "No reply from " + cand.FullName()
	}
	n := &people.Notification{
		RecipientID: a.OwnerID,
		Kind:        string(action.KindEscalation),
		Title:       title,
		Body: fmt.Sprintf("The %s follow-up sent %s has had no reply for %d hours.",
			a.ToState, a.SentAt.Format(time.RFC1123), a.EscalateAfterHours),
		SubjectID: a.SubjectID,
		ActionID:  a.ID,
	}
	if err := r.people.CreateNotification(ctx, n); err != nil {
		if clrErr := r.actions.ClearEscalation(ctx, a.ID, now); clrErr != nil {
			err = errors.WithSecondaryError(err, clrErr)
		}
		return OutcomeError, err
	}

	esc := &action.Action{
		SubjectID:       a.SubjectID,
		Kind:            action.KindEscalation,
		FromState:       a.FromState,
		ToState:         a.ToState,
		TransitionID:    "escalation:" + a.ID,
		OwnerID:         a.OwnerID,
		ScheduledFor:    now,
		Status:          action.StatusSent,
		ResultRef:       n.ID,
		ParentResultRef: a.ID,
	}
	if _, _, err := r.actions.Create(ctx, esc); err != nil {
		// The recruiter has been notified; only the record is missing
		return OutcomeNotified, errors.Wrap(err, "failed to record escalation")
	}
	r.recordAction(esc.Kind, esc.Status)
	log.Infow("Recruiter notified", "notification_id", n.ID)
	return OutcomeNotified, nil
}
