// Package people stores the HR records the automation engine reads and
// materializes: jobs, candidates, employees, offers and their templates,
// plus the audit log and recruiter notifications.
package people

import (
	"time"

	"github.com/teranos/hrpulse/errors"
)

// Employee statuses
const (
	EmployeeStatusPendingStart = "PENDING_START"
	EmployeeStatusOnboarding   = "ONBOARDING"
	EmployeeStatusActive       = "ACTIVE"
	EmployeeStatusTerminated   = "TERMINATED"
)

// Offer statuses. DRAFT, SENT and SIGNED are active.
const (
	OfferStatusDraft     = "DRAFT"
	OfferStatusSent      = "SENT"
	OfferStatusSigned    = "SIGNED"
	OfferStatusDeclined  = "DECLINED"
	OfferStatusWithdrawn = "WITHDRAWN"
	OfferStatusExpired   = "EXPIRED"
)

// IsActiveOfferStatus reports whether an offer in status s blocks another.
func IsActiveOfferStatus(s string) bool {
	return s == OfferStatusDraft || s == OfferStatusSent || s == OfferStatusSigned
}

var (
	ErrCandidateNotFound = errors.Wrap(errors.ErrNotFound, "candidate not found")
	ErrJobNotFound       = errors.Wrap(errors.ErrNotFound, "job not found")
	ErrEmployeeNotFound  = errors.Wrap(errors.ErrNotFound, "employee not found")

	// ErrActiveOfferExists is returned by CreateOffer when the employee
	// already has an active offer.
	ErrActiveOfferExists = errors.Wrap(errors.ErrConflict, "employee already has an active offer")

	// ErrEmployeeLinked is returned when a candidate is already linked to
	// another employee record.
	ErrEmployeeLinked = errors.Wrap(errors.ErrConflict, "candidate already linked to an employee")
)

// Job is an open requisition.
type Job struct {
	ID                     string
	Title                  string
	Department             string
	Location               string
	EmploymentType         string // "FULL_TIME", "CONTRACT", ...
	Salary                 string
	HiringManagerID        string
	DefaultOfferTemplateID string
	CreatedAt              time.Time
}

// Candidate is a person in the hiring pipeline.
type Candidate struct {
	ID             string
	JobID          string
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	Stage          string
	StageChangedAt *time.Time
	NoticePeriod   string // Free text: "2 weeks", "immediate", ...
	RecruiterID    string
	EmployeeID     string // Back-reference once materialized
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FullName joins first and last name.
func (c *Candidate) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Employee is an HR employee record.
type Employee struct {
	ID             string
	CandidateID    string
	FirstName      string
	LastName       string
	Email          string // Personal contact address
	WorkEmail      string // Workspace address, reconciled against identity
	JobTitle       string
	Department     string
	EmploymentType string
	Status         string
	StartDate      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OfferTemplate is a text/template body for offer letters.
type OfferTemplate struct {
	ID             string
	Name           string
	EmploymentType string
	Body           string
	CreatedAt      time.Time
}

// Offer is an offer letter for an employee.
type Offer struct {
	ID          string
	EmployeeID  string
	CandidateID string
	JobID       string
	TemplateID  string
	Status      string
	Body        string
	StartDate   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuditEntry records one automated create or update.
type AuditEntry struct {
	ID          string
	EntityType  string // "employee", "offer", ...
	EntityID    string
	Action      string // "created", "updated", "linked", "activated"
	CandidateID string // Provenance: the candidate that triggered it
	Actor       string
	Details     string
	CreatedAt   time.Time
}

// Notification is an in-app message to a recruiter.
type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	Title       string
	Body        string
	SubjectID   string
	ActionID    string
	ReadAt      *time.Time
	CreatedAt   time.Time
}
