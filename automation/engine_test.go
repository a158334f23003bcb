package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/errors"
)

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Deps.Actions")
}

func TestRegisterInstallsHandlers(t *testing.T) {
	f := newFixture(t)
	assert.ElementsMatch(t, []string{
		JobStageEmailSend,
		JobHireMaterialize,
		JobSweepReminders,
		JobSweepEscalations,
		JobSweepActivate,
		JobSweepIdentity,
	}, f.sched.Handlers())
}

func TestRunSweepUnknownName(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RunSweep(f.ctx, "vacuum")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduleSweepsRejectsBadCron(t *testing.T) {
	f := newFixture(t)
	err := f.engine.ScheduleSweeps(f.ctx, am.SchedulesConfig{ReminderSweep: "every so often"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobSweepReminders)
}

func TestSettingsFromConfig(t *testing.T) {
	s := SettingsFromConfig(am.Default())
	assert.Equal(t, "hr@localhost", s.From)
	assert.Equal(t, "OFFER", s.OfferStage)
	assert.Equal(t, []string{"PENDING_START", "ONBOARDING"}, s.PendingStartStatuses)
	assert.Equal(t, 168, s.EscalateAfterHours)
	assert.Equal(t, 3, s.MaxSendAttempts)

	cfg := am.Default()
	cfg.Mail.From = "talent@acme.test"
	cfg.Automation.OfferStage = "OFFER_EXTENDED"
	cfg.Automation.MaxSendAttempts = 5
	s = SettingsFromConfig(cfg)
	assert.Equal(t, "talent@acme.test", s.From)
	assert.Equal(t, "OFFER_EXTENDED", s.OfferStage)
	assert.Equal(t, 5, s.MaxSendAttempts)
}

func TestPoliciesFromConfig(t *testing.T) {
	cfg := am.Default()
	cfg.Stages = map[string]am.StagePolicy{
		"offer_sent": {Enabled: true, TemplateID: "tpl-1", Reminder: am.ReminderPolicy{Enabled: true, DelayHours: 72}},
		"rejected":   {Enabled: false},
	}

	p := PoliciesFromConfig(cfg)
	require.Len(t, p, 2)
	offer, ok := p.For("Offer_Sent")
	require.True(t, ok)
	assert.True(t, offer.Enabled)
	assert.Equal(t, "tpl-1", offer.TemplateID)
	assert.Equal(t, 72, offer.Reminder.DelayHours)

	_, ok = p.For("HIRED")
	assert.False(t, ok)
}

// The full offer lifecycle driven only by the clock and the recurring
// schedules: stage email at once, reminder after 72h of silence, recruiter
// escalation 168h after that, and nothing more.
func TestOfferLifecycleOnSchedule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.ScheduleSweeps(f.ctx, am.SchedulesConfig{}))
	require.NoError(t, f.engine.ScheduleSweeps(f.ctx, am.SchedulesConfig{}), "rescheduling on restart is harmless")

	n, err := f.sched.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no sweep is due at start")

	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")
	_, err = f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "evt-1", false)
	require.NoError(t, err)
	f.run(t)
	require.Len(t, f.transport.Sent(), 1)

	tick := func() {
		t.Helper()
		_, err := f.sched.Tick(f.ctx)
		require.NoError(t, err)
		f.run(t)
	}

	f.clock.Advance(72 * time.Hour)
	tick()
	sent := f.transport.Sent()
	require.Len(t, sent, 2, "reminder sent")
	assert.Equal(t, "Following up on your offer", sent[1].Subject)

	reminder := f.reminderOf(t, cand.ID)
	assert.Equal(t, action.StatusSent, reminder.Status)
	assert.Nil(t, reminder.EscalatedAt)

	f.clock.Advance(168 * time.Hour)
	tick()

	notes, err := f.people.ListNotifications(f.ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, notes, 1, "recruiter escalated")
	assert.Equal(t, action.OutcomeNotified, f.action(t, reminder.ID).EscalationOutcome)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		tick()
	}
	notes, err = f.people.ListNotifications(f.ctx, "rec-1")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
	assert.Len(t, f.transport.Sent(), 2)
	assert.Len(t, f.list(t, action.KindEscalation, cand.ID), 1)

	counts, err := f.actions.Counts(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[action.KindStageEmail][action.StatusSent])
	assert.Equal(t, 1, counts[action.KindReminder][action.StatusSent])
	assert.Equal(t, 1, counts[action.KindEscalation][action.StatusSent])
}
