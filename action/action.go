// Package action stores queued actions: the durable record of every
// automated side effect and its PENDING → PROCESSING → terminal state machine.
//
// Actions are never deleted. Every transition is one conditional UPDATE,
// so duplicate deliveries from any number of worker processes resolve in
// the database rather than in memory.
package action

import (
	"time"

	"github.com/teranos/hrpulse/errors"
)

// Kind of side effect an action performs.
type Kind string

const (
	KindStageEmail Kind = "STAGE_EMAIL"
	KindReminder   Kind = "REMINDER"
	KindEscalation Kind = "ESCALATION"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k == KindStageEmail || k == KindReminder || k == KindEscalation
}

// Status of an action.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether s can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// EscalationOutcome records how a sent reminder's escalation window closed.
type EscalationOutcome string

const (
	OutcomeNotified  EscalationOutcome = "NOTIFIED"  // Recruiter was notified
	OutcomeCancelled EscalationOutcome = "CANCELLED" // A reply arrived first
)

var (
	// ErrNotFound is returned when no action has the given id.
	ErrNotFound = errors.Wrap(errors.ErrNotFound, "queued action not found")

	// ErrAlreadyTerminal is returned when an action cannot make the requested
	// transition because it has finished, or another worker is processing it.
	ErrAlreadyTerminal = errors.New("queued action already handled")
)

// IsAlreadyHandled reports whether err means a duplicate delivery that the
// caller should absorb silently.
func IsAlreadyHandled(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrNotFound)
}

// Action is one scheduled, possibly delayed side effect.
type Action struct {
	ID           string
	SubjectID    string // Candidate or employee
	Kind         Kind
	FromState    string // "" when the trigger was time, not a transition
	ToState      string
	TransitionID string // Optional idempotency key of the triggering event
	TemplateID   string // Explicit template; "" = stage default
	OwnerID      string // Recruiter who is notified on escalation

	ScheduledFor  time.Time
	Status        Status
	SkipRequested bool
	ResultRef     string // Set only on SENT (email id, notification id)
	Error         string // Set only on FAILED
	LastError     string // Most recent transient failure
	Attempts      int
	ProcessedAt   *time.Time
	SentAt        *time.Time

	// Reminder link
	ParentResultRef    string
	ParentSentAt       *time.Time
	EscalateAfterHours int
	EscalatedAt        *time.Time
	EscalationOutcome  EscalationOutcome

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EscalationDue returns when a sent reminder becomes eligible for
// escalation. ok is false when it never will.
func (a *Action) EscalationDue() (due time.Time, ok bool) {
	if a.Kind != KindReminder || a.Status != StatusSent || a.SentAt == nil || a.EscalatedAt != nil || a.EscalateAfterHours <= 0 {
		return time.Time{}, false
	}
	return a.SentAt.Add(time.Duration(a.EscalateAfterHours) * time.Hour), true
}

// Cursor is a position in a listing ordered by time then id. Listings
// return rows strictly after it; the zero Cursor starts from the beginning.
type Cursor struct {
	At time.Time
	ID string
}

// IsZero reports whether c starts from the beginning.
func (c Cursor) IsZero() bool { return c.ID == "" }

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status    Status
	Kind      Kind
	SubjectID string
	Limit     int
}
