// Package automation is the lifecycle engine: it turns stage transitions
// and the passage of time into queued actions, and executes them through
// the scheduler with claim-before-effect semantics.
//
// Every handler here may run more than once for the same job, possibly on
// several processes at once. Correctness comes only from action.Store's
// conditional transitions and the existence checks of the materializer.
package automation

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/pulse"
)

// Job types registered with the scheduler
const (
	JobStageEmailSend   = "stage-email.send"
	JobHireMaterialize  = "hire.materialize"
	JobSweepReminders   = "sweep.reminders"
	JobSweepEscalations = "sweep.escalations"
	JobSweepActivate    = "sweep.auto-activate"
	JobSweepIdentity    = "sweep.identity-sync"
)

var (
	// ErrNoTemplateConfigured means neither the action nor its stage names
	// an email template. Always returned marked permanent.
	ErrNoTemplateConfigured = errors.New("no template configured")

	// ErrNoOfferTemplate means no offer template exists at all. Always
	// returned marked permanent.
	ErrNoOfferTemplate = errors.New("no offer template available")
)

// Scheduler is the durable queue the engine schedules work on.
// *pulse.Client implements it.
type Scheduler interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts pulse.EnqueueOptions) (string, error)
	ScheduleRecurring(ctx context.Context, jobType, cronExpr string, payload any) error
	RegisterHandler(jobType string, fn pulse.HandlerFunc)
}

// TemplateResolver finds email templates. Both methods return nil, nil
// when there is no match.
type TemplateResolver interface {
	ByID(ctx context.Context, id string) (*mail.Template, error)
	ForStage(ctx context.Context, stage, kind string) (*mail.Template, error)
}

// ReplyDetector reports inbound replies on an email thread.
type ReplyDetector interface {
	HasReplySince(ctx context.Context, threadID string, since time.Time) (bool, error)
}

// Recorder receives engine counters. *metrics.Metrics implements it.
type Recorder interface {
	ActionTransition(kind, status string)
	SweepItem(sweep, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ActionTransition(string, string) {}
func (nopRecorder) SweepItem(string, string)        {}

// ReminderPolicy controls the follow-up sent when a stage email gets no reply.
type ReminderPolicy struct {
	Enabled    bool
	DelayHours int
}

// StagePolicy is the automated email policy of one pipeline stage.
type StagePolicy struct {
	Enabled      bool
	DelayMinutes int
	TemplateID   string
	Reminder     ReminderPolicy
}

// PolicySet maps upper-case stage names to their policy.
type PolicySet map[string]StagePolicy

// For returns the policy of stage, matched case-insensitively.
func (p PolicySet) For(stage string) (StagePolicy, bool) {
	sp, ok := p[strings.ToUpper(stage)]
	return sp, ok
}

// PoliciesFromConfig converts validated config stage policies.
func PoliciesFromConfig(cfg *am.Config) PolicySet {
	out := make(PolicySet, len(cfg.Stages))
	for stage, p := range cfg.StagePolicies() {
		out[stage] = StagePolicy{
			Enabled:      p.Enabled,
			DelayMinutes: p.DelayMinutes,
			TemplateID:   p.TemplateID,
			Reminder: ReminderPolicy{
				Enabled:    p.Reminder.Enabled,
				DelayHours: p.Reminder.DelayHours,
			},
		}
	}
	return out
}

// Settings are the engine-wide knobs.
type Settings struct {
	From                 string // Sender of every automated email
	OfferStage           string
	PendingStartStatuses []string
	EscalateAfterHours   int
	MaxSendAttempts      int // Attempts per email before the action FAILS
	BatchSize            int // Items per sweep pass
}

// DefaultSettings matches the config defaults.
func DefaultSettings() Settings {
	return Settings{
		From:                 "hr@localhost",
		OfferStage:           "OFFER",
		PendingStartStatuses: []string{"PENDING_START", "ONBOARDING"},
		EscalateAfterHours:   168,
		MaxSendAttempts:      3,
		BatchSize:            100,
	}
}

// SettingsFromConfig reads Settings from cfg, keeping defaults for zero values.
func SettingsFromConfig(cfg *am.Config) Settings {
	s := DefaultSettings()
	if cfg.Mail.From != "" {
		s.From = cfg.Mail.From
	}
	if cfg.Automation.OfferStage != "" {
		s.OfferStage = cfg.Automation.OfferStage
	}
	if len(cfg.Automation.PendingStartStatuses) > 0 {
		s.PendingStartStatuses = cfg.Automation.PendingStartStatuses
	}
	if cfg.Automation.EscalateAfterHours > 0 {
		s.EscalateAfterHours = cfg.Automation.EscalateAfterHours
	}
	if cfg.Automation.MaxSendAttempts > 0 {
		s.MaxSendAttempts = cfg.Automation.MaxSendAttempts
	}
	return s
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.From == "" {
		s.From = d.From
	}
	if s.OfferStage == "" {
		s.OfferStage = d.OfferStage
	}
	if s.PendingStartStatuses == nil {
		s.PendingStartStatuses = d.PendingStartStatuses
	}
	if s.EscalateAfterHours <= 0 {
		s.EscalateAfterHours = d.EscalateAfterHours
	}
	if s.MaxSendAttempts <= 0 {
		s.MaxSendAttempts = d.MaxSendAttempts
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	return s
}

// Transition is one stage change of a candidate.
type Transition struct {
	SubjectID    string
	JobID        string // Requisition, forwarded to the materializer
	FromState    string // "" for the first stage
	ToState      string
	OwnerID      string // Recruiter
	TransitionID string // Idempotency key of the event; optional
	OptOut       bool   // Operator suppressed the automated email
}
