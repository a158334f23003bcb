package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/pulse/async"
)

func TestOnStageChangeWithoutPolicy(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "APPLIED")

	id, err := f.engine.OnStageChange(f.ctx, Transition{SubjectID: cand.ID, FromState: "APPLIED", ToState: "HIRED"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, f.list(t, "", cand.ID))
	assert.Equal(t, 0, f.run(t))
}

func TestOnStageChangeRejectsIncompleteTransition(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.OnStageChange(f.ctx, Transition{ToState: "OFFER_SENT"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStageEmailSuppressed(t *testing.T) {
	tests := []struct {
		name    string
		stage   string
		optOut  bool
		wantErr string
	}{
		{name: "disabled stage", stage: "REJECTED", wantErr: "stage email disabled"},
		{name: "operator opt-out", stage: "OFFER_SENT", optOut: true, wantErr: "operator opted out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

			_, err := f.engine.MoveCandidate(f.ctx, cand.ID, tt.stage, "", tt.optOut)
			require.NoError(t, err)

			actions := f.list(t, action.KindStageEmail, cand.ID)
			require.Len(t, actions, 1, "the skipped email is still on record")
			assert.Equal(t, action.StatusCancelled, actions[0].Status)
			assert.Equal(t, tt.wantErr, actions[0].LastError)

			assert.Equal(t, 0, f.run(t), "nothing is enqueued")
			assert.Empty(t, f.transport.Sent())
		})
	}
}

func TestStageEmailDelivered(t *testing.T) {
	f := newFixture(t)
	cand, stage := f.sendOfferEmail(t)

	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.com", sent[0].To)
	assert.Equal(t, "talent@acme.test", sent[0].From)
	assert.Equal(t, "Your offer for Backend Engineer", sent[0].Subject)
	assert.Contains(t, sent[0].TextBody, "Hi Ada")

	assert.NotEmpty(t, stage.ResultRef, "the email id is recorded")
	require.NotNil(t, stage.SentAt)
	assert.True(t, stage.SentAt.Equal(t0))
	assert.Equal(t, "INTERVIEW", stage.FromState)
	assert.Equal(t, "rec-1", stage.OwnerID)

	reminder := f.reminderOf(t, cand.ID)
	assert.Equal(t, action.StatusPending, reminder.Status)
	assert.Equal(t, stage.ResultRef, reminder.ParentResultRef)
	assert.True(t, reminder.ScheduledFor.Equal(t0.Add(72*time.Hour)))
	assert.Equal(t, 168, reminder.EscalateAfterHours)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues("STAGE_EMAIL", "SENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Jobs.WithLabelValues(JobStageEmailSend, "completed")))
}

func TestStageEmailRespectsDelay(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "SCREENING")

	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "INTERVIEW", "", false)
	require.NoError(t, err)

	a := f.list(t, action.KindStageEmail, cand.ID)[0]
	assert.True(t, a.ScheduledFor.Equal(t0.Add(30*time.Minute)))

	assert.Equal(t, 0, f.run(t), "not due yet")
	f.clock.Advance(29 * time.Minute)
	assert.Equal(t, 0, f.run(t))
	assert.Empty(t, f.transport.Sent())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.run(t))
	require.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, action.StatusSent, f.action(t, a.ID).Status)
	assert.Empty(t, f.list(t, action.KindReminder, cand.ID), "interview has no reminder policy")
}

func TestStageEmailSentAtMostOnce(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	id := f.list(t, action.KindStageEmail, cand.ID)[0].ID

	// Redeliveries of the same job, racing each other
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := async.NewJob(JobStageEmailSend, sendPayload{ActionID: id}, async.JobOptions{RetryLimit: 2}, t0)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = f.engine.Dispatcher.HandleSend(context.Background(), job)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// And the original job itself
	assert.Equal(t, 1, f.run(t))

	assert.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, action.StatusSent, f.action(t, id).Status)
	assert.Len(t, f.list(t, action.KindReminder, cand.ID), 1)
}

func TestReplayedTransitionSendsOnce(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")
	tr := Transition{
		SubjectID:    cand.ID,
		FromState:    "INTERVIEW",
		ToState:      "OFFER_SENT",
		OwnerID:      "rec-1",
		TransitionID: "evt-42",
	}

	first, err := f.engine.OnStageChange(f.ctx, tr)
	require.NoError(t, err)
	second, err := f.engine.OnStageChange(f.ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 2, f.run(t), "the pending action was enqueued twice")
	assert.Len(t, f.transport.Sent(), 1)

	third, err := f.engine.OnStageChange(f.ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, 0, f.run(t), "a sent action is not enqueued again")
}

func TestStageEmailSkipRequested(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	a := f.list(t, action.KindStageEmail, cand.ID)[0]
	require.NoError(t, f.actions.RequestSkip(f.ctx, a.ID))

	f.run(t)
	assert.Equal(t, action.StatusCancelled, f.action(t, a.ID).Status)
	assert.Empty(t, f.transport.Sent())
	assert.Empty(t, f.list(t, action.KindReminder, cand.ID))
}

func TestStageEmailWithoutTemplateFailsPermanently(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "APPLIED")

	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "SCREENING", "", false)
	require.NoError(t, err)
	f.run(t)

	a := f.list(t, action.KindStageEmail, cand.ID)[0]
	assert.Equal(t, action.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "no template configured")
	assert.Zero(t, f.transport.Attempts())

	failed := async.JobStatusFailed
	jobs, err := f.sched.Queue().ListJobs(f.ctx, &failed, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].RetryCount, "permanent failures are not retried")
}

func TestStageEmailFallsBackToStageDefault(t *testing.T) {
	f := newFixture(t)
	policies := testPolicies()
	p := policies["OFFER_SENT"]
	p.TemplateID = "deleted-template"
	policies["OFFER_SENT"] = p
	f.engine.SetPolicies(policies)

	f.sendOfferEmail(t)
	require.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, "Your offer for Backend Engineer", f.transport.Sent()[0].Subject)
}

func TestStageEmailUnknownSubjectFails(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.OnStageChange(f.ctx, Transition{SubjectID: "ghost", ToState: "OFFER_SENT"})
	require.NoError(t, err)
	f.run(t)

	a := f.action(t, id)
	assert.Equal(t, action.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "ghost")
	assert.Zero(t, f.transport.Attempts())
}

func TestStageEmailRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.transport.failN = -1
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	id := f.list(t, action.KindStageEmail, cand.ID)[0].ID

	f.run(t)
	a := f.action(t, id)
	assert.Equal(t, action.StatusPending, a.Status, "released for retry")
	assert.Equal(t, 1, a.Attempts)
	assert.Contains(t, a.LastError, "421")

	f.clock.Advance(time.Minute)
	f.run(t)
	assert.Equal(t, 2, f.action(t, id).Attempts)

	f.clock.Advance(2 * time.Minute)
	f.run(t)
	a = f.action(t, id)
	assert.Equal(t, action.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "421")
	assert.Equal(t, 3, f.transport.Attempts())

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.run(t), "the job is exhausted")
	assert.Empty(t, f.list(t, action.KindReminder, cand.ID))
}

func TestStageEmailRecoversFromTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.transport.failN = 1
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	f.run(t)
	f.clock.Advance(time.Minute)
	f.run(t)

	a := f.list(t, action.KindStageEmail, cand.ID)[0]
	assert.Equal(t, action.StatusSent, a.Status)
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.SentAt)
	assert.True(t, a.SentAt.Equal(t0.Add(time.Minute)))

	reminder := f.reminderOf(t, cand.ID)
	assert.True(t, reminder.ScheduledFor.Equal(t0.Add(time.Minute+72*time.Hour)))
}

func TestSetPoliciesTakesEffect(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

	f.engine.SetPolicies(PolicySet{"HIRED": {Enabled: true}})
	_, ok := f.engine.Policies().For("hired")
	assert.True(t, ok)

	id, err := f.engine.OnStageChange(f.ctx, Transition{SubjectID: cand.ID, ToState: "OFFER_SENT"})
	require.NoError(t, err)
	assert.Empty(t, id, "OFFER_SENT is no longer configured")

	f.engine.SetPolicies(nil)
	assert.Empty(t, f.engine.Policies())
}

// brokenTemplates fails every lookup.
type brokenTemplates struct{ err error }

func (b brokenTemplates) ByID(context.Context, string) (*mail.Template, error) { return nil, b.err }

func (b brokenTemplates) ForStage(context.Context, string, string) (*mail.Template, error) {
	return nil, b.err
}

func TestStageEmailFailsWhenLookupsExhaustRetries(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Templates = brokenTemplates{err: errors.New("store timeout")}
	})
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")
	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	id := f.list(t, action.KindStageEmail, cand.ID)[0].ID

	f.run(t)
	assert.Equal(t, action.StatusPending, f.action(t, id).Status, "handed back for retry")
	f.clock.Advance(time.Minute)
	f.run(t)
	assert.Equal(t, action.StatusPending, f.action(t, id).Status)

	f.clock.Advance(2 * time.Minute)
	f.run(t)
	a := f.action(t, id)
	assert.Equal(t, action.StatusFailed, a.Status, "no job is left to run it")
	assert.Contains(t, a.Error, "store timeout")
	assert.Zero(t, f.transport.Attempts())
}

func TestStageEmailCompletedAfterLostCompletion(t *testing.T) {
	f := newFixture(t)
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")

	// Completion fails once the email is out
	_, err := f.db.ExecContext(f.ctx, `
		CREATE TRIGGER reject_sent BEFORE UPDATE OF status ON queued_actions
		WHEN NEW.status = 'SENT'
		BEGIN SELECT RAISE(ABORT, 'database is locked'); END`)
	require.NoError(t, err)

	_, err = f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	id := f.list(t, action.KindStageEmail, cand.ID)[0].ID
	f.run(t)

	a := f.action(t, id)
	assert.Equal(t, action.StatusProcessing, a.Status)
	require.Len(t, f.transport.Sent(), 1)
	assert.NotEmpty(t, a.ResultRef, "the delivered email id is kept")

	_, err = f.db.ExecContext(f.ctx, `DROP TRIGGER reject_sent`)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.run(t)

	a = f.action(t, id)
	assert.Equal(t, action.StatusSent, a.Status)
	assert.Len(t, f.transport.Sent(), 1, "completed without sending again")
	assert.Equal(t, a.ResultRef, f.reminderOf(t, cand.ID).ParentResultRef)
}
