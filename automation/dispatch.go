package automation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/pulse"
	"github.com/teranos/hrpulse/pulse/async"
)

// sendPayload is the payload of stage-email.send jobs.
type sendPayload struct {
	ActionID string `json:"action_id"`
}

// Dispatcher schedules and sends stage emails.
type Dispatcher struct {
	*core
	reminders *Reminders
	log       *zap.SugaredLogger
}

func newDispatcher(c *core, reminders *Reminders, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{core: c, reminders: reminders, log: logger.AddMailSymbol(log.Named("dispatch"))}
}

// OnStageChange records the stage email tr calls for and schedules it.
// Returns the action id, or "" when the destination stage has no email
// policy. Replaying the same transition returns the existing action.
func (d *Dispatcher) OnStageChange(ctx context.Context, tr Transition) (string, error) {
	if tr.SubjectID == "" || tr.ToState == "" {
		return "", errors.NewInvalidRequestError("transition requires a subject and a destination state")
	}
	log := d.log.With(logger.FieldSubjectID, tr.SubjectID, logger.FieldFromState, tr.FromState, logger.FieldToState, tr.ToState)

	policy, ok := d.policy(tr.ToState)
	if !ok {
		log.Debugw("No email policy for stage")
		return "", nil
	}

	now := d.now()
	a := &action.Action{
		SubjectID:    tr.SubjectID,
		Kind:         action.KindStageEmail,
		FromState:    tr.FromState,
		ToState:      tr.ToState,
		TransitionID: tr.TransitionID,
		TemplateID:   policy.TemplateID,
		OwnerID:      tr.OwnerID,
		ScheduledFor: now.Add(time.Duration(policy.DelayMinutes) * time.Minute),
		Status:       action.StatusPending,
	}
	if !policy.Enabled || tr.OptOut {
		// Recorded so the trail shows the email was considered and skipped
		a.Status = action.StatusCancelled
		a.LastError = "stage email disabled"
		if tr.OptOut {
			a.LastError = "operator opted out"
		}
	}

	id, existed, err := d.actions.Create(ctx, a)
	if err != nil {
		return "", err
	}
	if existed {
		existing, err := d.actions.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if existing.Status != action.StatusPending {
			log.Debugw("Stage email already recorded", logger.FieldActionID, id, logger.FieldStatus, existing.Status)
			return id, nil
		}
		// Still pending: enqueue again in case the first enqueue never landed.
		// The claim absorbs the duplicate job.
		a = existing
	} else {
		d.recordAction(a.Kind, a.Status)
	}
	if a.Status == action.StatusCancelled {
		log.Infow("Stage email skipped", logger.FieldActionID, id, "reason", a.LastError)
		return id, nil
	}

	if err := d.enqueueSend(ctx, a); err != nil {
		return id, err
	}
	log.Infow("Stage email scheduled", logger.FieldActionID, id, logger.FieldScheduledFor, a.ScheduledFor)
	return id, nil
}

func (d *Dispatcher) enqueueSend(ctx context.Context, a *action.Action) error {
	opts := pulse.EnqueueOptions{
		StartAfter: a.ScheduledFor,
		RetryLimit: d.settings.MaxSendAttempts - 1,
		Source:     "action:" + a.ID,
	}
	if opts.RetryLimit <= 0 {
		opts.NoRetry = true
	}
	_, err := d.sched.Enqueue(ctx, JobStageEmailSend, sendPayload{ActionID: a.ID}, opts)
	return errors.Wrapf(err, "failed to enqueue stage email %s", a.ID)
}

// HandleSend is the stage-email.send handler.
func (d *Dispatcher) HandleSend(ctx context.Context, job *async.Job) error {
	var p sendPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := d.log.With(logger.FieldJobID, job.ID, logger.FieldActionID, p.ActionID, logger.FieldAttempt, job.RetryCount+1)

	a, err := d.actions.Claim(ctx, p.ActionID)
	if action.IsAlreadyHandled(err) {
		log.Debugw("Stage email already handled", logger.FieldError, err)
		return d.settle(ctx, p.ActionID, log)
	}
	if err != nil {
		return err
	}
	if a.ResultRef != "" {
		// Delivered by an earlier attempt that could not complete
		return d.complete(ctx, a, a.ResultRef, log)
	}

	if a.SkipRequested {
		if err := d.actions.Cancel(ctx, a.ID, "skip requested"); err != nil && !action.IsAlreadyHandled(err) {
			return err
		}
		d.recordAction(a.Kind, action.StatusCancelled)
		log.Infow("Stage email skipped by operator")
		return nil
	}

	tmpl, err := d.resolveTemplate(ctx, a)
	if err != nil {
		return d.unclaim(ctx, job, a, err, log)
	}
	if tmpl == nil {
		cause := errors.Wrapf(ErrNoTemplateConfigured, "stage %s", a.ToState)
		d.fail(ctx, a, cause, log)
		return async.Permanent(cause)
	}

	cand, req, err := d.loadSubject(ctx, a.SubjectID)
	if errors.IsNotFoundError(err) {
		d.fail(ctx, a, err, log)
		return async.Permanent(err)
	}
	if err != nil {
		return d.unclaim(ctx, job, a, err, log)
	}

	msg, err := d.compose(tmpl, cand, req)
	if err != nil {
		cause := errors.Wrapf(err, "template %s", tmpl.ID)
		d.fail(ctx, a, cause, log)
		return async.Permanent(cause)
	}

	res, err := d.transport.Send(ctx, msg)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			d.fail(ctx, a, err, log)
			return async.Permanent(err)
		}
		if job.IsFinalAttempt() {
			d.fail(ctx, a, err, log)
			return err
		}
		if _, relErr := d.actions.Release(ctx, a.ID, err.Error()); relErr != nil {
			log.Errorw("Failed to release stage email after send failure", logger.FieldError, relErr)
		}
		log.Warnw("Stage email send failed, will retry", logger.FieldError, err)
		return err
	}

	return d.complete(ctx, a, res.EmailID, log)
}

// complete marks a delivered stage email SENT and schedules its follow-up.
// When that fails the email id is kept on the action so the retry
// completes it without sending again.
func (d *Dispatcher) complete(ctx context.Context, a *action.Action, emailID string, log *zap.SugaredLogger) error {
	err := d.actions.Complete(ctx, a.ID, emailID)
	if action.IsAlreadyHandled(err) {
		return d.ensureFollowUp(ctx, a.ID)
	}
	if err != nil {
		if a.ResultRef != emailID {
			if recErr := d.actions.RecordResult(ctx, a.ID, emailID); recErr != nil {
				err = errors.WithSecondaryError(err, recErr)
			}
		}
		return errors.WithDetailf(err, "Email ID: %s", emailID)
	}
	d.recordAction(a.Kind, action.StatusSent)
	log.Infow("Stage email sent", logger.FieldEmailID, emailID, logger.FieldToState, a.ToState)

	return d.ensureFollowUp(ctx, a.ID)
}

// settle handles a delivery that lost the claim. An action still
// PROCESSING with an email id was delivered but never completed.
func (d *Dispatcher) settle(ctx context.Context, id string, log *zap.SugaredLogger) error {
	a, err := d.actions.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status == action.StatusProcessing && a.ResultRef != "" {
		return d.complete(ctx, a, a.ResultRef, log)
	}
	return d.ensureFollowUp(ctx, id)
}

// ensureFollowUp schedules the reminder of a SENT stage email when its
// stage enables one. Scheduling is idempotent, so a redelivered job that
// finds the action already SENT repairs a follow-up lost to a crash.
func (d *Dispatcher) ensureFollowUp(ctx context.Context, id string) error {
	a, err := d.actions.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != action.StatusSent || a.SentAt == nil {
		return nil
	}
	policy, ok := d.policy(a.ToState)
	if !ok || !policy.Reminder.Enabled {
		return nil
	}
	_, err = d.reminders.ScheduleFollowUp(ctx, a, a.ResultRef, *a.SentAt, policy.Reminder.DelayHours)
	return err
}

// resolveTemplate picks the action's explicit template, else the stage
// default.
func (d *Dispatcher) resolveTemplate(ctx context.Context, a *action.Action) (*mail.Template, error) {
	if a.TemplateID != "" {
		t, err := d.templates.ByID(ctx, a.TemplateID)
		if err != nil || t != nil {
			return t, err
		}
		d.log.Warnw("Configured template not found, using stage default",
			logger.FieldActionID, a.ID, "template_id", a.TemplateID)
	}
	return d.templates.ForStage(ctx, a.ToState, mail.KindStage)
}

func (d *Dispatcher) fail(ctx context.Context, a *action.Action, cause error, log *zap.SugaredLogger) {
	if err := d.actions.Fail(ctx, a.ID, cause.Error()); err != nil {
		log.Errorw("Failed to record stage email failure", logger.FieldError, err)
		return
	}
	d.recordAction(a.Kind, action.StatusFailed)
	log.Errorw("Stage email failed", logger.FieldError, cause)
}

// unclaim returns a claimed action to PENDING after an error that happened
// before any send was attempted, and passes the error on for retry. On the
// job's last attempt the action fails instead, since no retry will run it.
func (d *Dispatcher) unclaim(ctx context.Context, job *async.Job, a *action.Action, cause error, log *zap.SugaredLogger) error {
	if job.IsFinalAttempt() {
		d.fail(ctx, a, cause, log)
		return cause
	}
	if err := d.actions.Unclaim(ctx, a.ID, cause.Error()); err != nil {
		log.Errorw("Failed to unclaim stage email", logger.FieldError, err)
	}
	return cause
}
