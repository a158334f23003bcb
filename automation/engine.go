package automation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/people"
	"github.com/teranos/hrpulse/pulse"
	"github.com/teranos/hrpulse/pulse/async"
)

// Engine wires the dispatcher, reminders, materializer and sweeps over one
// set of collaborators.
type Engine struct {
	*core
	Dispatcher   *Dispatcher
	Reminders    *Reminders
	Materializer *Materializer
	Sweeps       *Sweeps
	log          *zap.SugaredLogger
}

// NewEngine builds an engine. Handlers are not registered until Register.
func NewEngine(d Deps) (*Engine, error) {
	c, err := newCore(d)
	if err != nil {
		return nil, err
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("automation")

	reminders := newReminders(c, log)
	return &Engine{
		core:         c,
		Dispatcher:   newDispatcher(c, reminders, log),
		Reminders:    reminders,
		Materializer: newMaterializer(c, log),
		Sweeps:       newSweeps(c, log),
		log:          log,
	}, nil
}

// Register installs every engine handler on the scheduler.
func (e *Engine) Register() {
	e.sched.RegisterHandler(JobStageEmailSend, e.Dispatcher.HandleSend)
	e.sched.RegisterHandler(JobHireMaterialize, e.Materializer.HandleMaterialize)
	e.sched.RegisterHandler(JobSweepReminders, e.sweepHandler(SweepReminders))
	e.sched.RegisterHandler(JobSweepEscalations, e.sweepHandler(SweepEscalations))
	e.sched.RegisterHandler(JobSweepActivate, e.sweepHandler(SweepAutoActivate))
	e.sched.RegisterHandler(JobSweepIdentity, e.sweepHandler(SweepIdentitySync))
}

// ScheduleSweeps registers the recurring sweeps. Safe to call on every start.
func (e *Engine) ScheduleSweeps(ctx context.Context, cfg am.SchedulesConfig) error {
	for _, s := range []struct{ job, cron string }{
		{JobSweepReminders, orDefault(cfg.ReminderSweep, am.DefaultReminderSweepCron)},
		{JobSweepEscalations, orDefault(cfg.EscalationSweep, am.DefaultEscalationSweepCron)},
		{JobSweepActivate, orDefault(cfg.AutoActivate, am.DefaultAutoActivateCron)},
		{JobSweepIdentity, orDefault(cfg.IdentitySync, am.DefaultIdentitySyncCron)},
	} {
		if err := e.sched.ScheduleRecurring(ctx, s.job, s.cron, nil); err != nil {
			return errors.Wrapf(err, "failed to schedule %s", s.job)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// OnStageChange reacts to a candidate's stage change: it schedules the
// stage email, and starts the hire flow when the candidate reached the
// offer stage.
func (e *Engine) OnStageChange(ctx context.Context, tr Transition) (string, error) {
	id, err := e.Dispatcher.OnStageChange(ctx, tr)
	if err != nil {
		return id, err
	}
	return id, e.startHireFlow(ctx, tr)
}

func (e *Engine) startHireFlow(ctx context.Context, tr Transition) error {
	if !strings.EqualFold(tr.ToState, e.settings.OfferStage) {
		return nil
	}
	_, err := e.sched.Enqueue(ctx, JobHireMaterialize,
		hirePayload{CandidateID: tr.SubjectID, JobID: tr.JobID},
		pulse.EnqueueOptions{Source: "transition:" + tr.SubjectID})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue hire flow for %s", tr.SubjectID)
	}
	e.log.Infow("Hire flow scheduled", logger.FieldCandidateID, tr.SubjectID)
	return nil
}

// MoveCandidate sets a candidate's stage and hands the transition to
// OnStageChange. Moving to the current stage re-drives that stage's side
// effects, so a move whose reaction failed can be retried; the returned
// transition then has FromState equal to ToState.
func (e *Engine) MoveCandidate(ctx context.Context, candidateID, stage, transitionID string, optOut bool) (*Transition, error) {
	stage = strings.ToUpper(strings.TrimSpace(stage))
	prev, err := e.people.SetCandidateStage(ctx, candidateID, stage)
	if err != nil {
		return nil, err
	}
	cand, err := e.people.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	tr := &Transition{
		SubjectID:    cand.ID,
		JobID:        cand.JobID,
		FromState:    prev,
		ToState:      stage,
		OwnerID:      cand.RecruiterID,
		TransitionID: transitionID,
		OptOut:       optOut,
	}
	if prev == stage {
		return tr, e.redrive(ctx, cand, *tr)
	}
	if _, err := e.OnStageChange(ctx, *tr); err != nil {
		return tr, err
	}
	return tr, nil
}

// redrive repeats the reaction to the candidate's current stage. The stage
// email is only scheduled when none was settled since the candidate
// entered the stage; the hire flow is idempotent.
func (e *Engine) redrive(ctx context.Context, cand *people.Candidate, tr Transition) error {
	settled, err := e.stageEmailSettled(ctx, cand, tr.ToState)
	if err != nil {
		return err
	}
	if !settled {
		if _, err := e.Dispatcher.OnStageChange(ctx, tr); err != nil {
			return err
		}
	}
	return e.startHireFlow(ctx, tr)
}

// stageEmailSettled reports whether a stage email for stage left PENDING
// since the candidate entered it.
func (e *Engine) stageEmailSettled(ctx context.Context, cand *people.Candidate, stage string) (bool, error) {
	recent, err := e.actions.List(ctx, action.Filter{Kind: action.KindStageEmail, SubjectID: cand.ID})
	if err != nil {
		return false, err
	}
	for _, a := range recent {
		if cand.StageChangedAt != nil && a.CreatedAt.Before(*cand.StageChangedAt) {
			break
		}
		if strings.EqualFold(a.ToState, stage) && a.Status != action.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

// SetPolicies replaces the stage policies. Safe to call while handlers run.
func (e *Engine) SetPolicies(p PolicySet) {
	if p == nil {
		p = PolicySet{}
	}
	e.policies.Store(&p)
	e.log.Infow("Stage policies updated", logger.FieldCount, len(p))
}

// Policies returns the current stage policies.
func (e *Engine) Policies() PolicySet { return *e.policies.Load() }

// RunSweep runs one pass of the named sweep.
func (e *Engine) RunSweep(ctx context.Context, name string) (*SweepResult, error) {
	switch name {
	case SweepReminders:
		return e.Reminders.SweepReminders(ctx)
	case SweepEscalations:
		return e.Reminders.SweepEscalations(ctx)
	case SweepAutoActivate:
		return e.Sweeps.AutoActivate(ctx)
	case SweepIdentitySync:
		return e.Sweeps.SyncIdentities(ctx)
	}
	return nil, errors.NewInvalidRequestError("unknown sweep %q (want %s)", name,
		strings.Join([]string{SweepReminders, SweepEscalations, SweepAutoActivate, SweepIdentitySync}, ", "))
}

func (e *Engine) sweepHandler(name string) pulse.HandlerFunc {
	return func(ctx context.Context, job *async.Job) error {
		_, err := e.RunSweep(ctx, name)
		return errors.Wrapf(err, "sweep %s", name)
	}
}
