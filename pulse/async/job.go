// Package async provides the durable job queue behind pulse: jobs persisted
// in SQLite, claimed with conditional updates, retried with backoff.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// MaxRetryBackoff caps the exponential retry delay.
const MaxRetryBackoff = time.Hour

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one durable handler invocation.
//
// The queue delivers a job at least once: a worker crash between claim and
// completion re-queues it on the next startup. Handlers must be idempotent.
type Job struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"`      // "stage-email.send", "sweep.reminders"
	Payload     json.RawMessage `json:"payload,omitempty"` // Handler-specific data (domain-owned)
	Source      string          `json:"source"`            // Free-form origin, for logging
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"` // Retries already consumed
	RetryLimit  int             `json:"retry_limit"` // Retries allowed after the first attempt
	RetryDelay  time.Duration   `json:"retry_delay"` // Base backoff, doubled per retry
	RunAfter    time.Time       `json:"run_after"`   // Not claimable before this instant
	ScheduleID  string          `json:"schedule_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobOptions controls when and how often a job runs.
type JobOptions struct {
	Source     string
	RunAfter   time.Time // zero = immediately
	RetryLimit int
	RetryDelay time.Duration
	ScheduleID string
}

// NewJob creates a queued job for handlerName. payload is marshalled to JSON
// unless it already is a json.RawMessage.
func NewJob(handlerName string, payload any, opts JobOptions, now time.Time) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	if opts.RetryLimit < 0 {
		return nil, errors.Newf("retry limit must be >= 0, got %d", opts.RetryLimit)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal payload for %s", handlerName)
		}
		raw = data
	}

	now = now.UTC()
	runAfter := opts.RunAfter.UTC()
	if opts.RunAfter.IsZero() || runAfter.Before(now) {
		runAfter = now
	}

	return &Job{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Payload:     raw,
		Source:      opts.Source,
		Status:      JobStatusQueued,
		RetryLimit:  opts.RetryLimit,
		RetryDelay:  opts.RetryDelay,
		RunAfter:    runAfter,
		ScheduleID:  opts.ScheduleID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return Permanent(errors.Newf("job %s has no payload", j.ID))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		// A payload that does not parse will never parse.
		return Permanent(errors.Wrapf(err, "failed to decode payload of job %s", j.ID))
	}
	return nil
}

// IsFinalAttempt reports whether a failure now would exhaust the retry budget.
func (j *Job) IsFinalAttempt() bool {
	return j.RetryCount >= j.RetryLimit
}

// Backoff returns the delay before retry number RetryCount+1:
// RetryDelay * 2^RetryCount, capped at MaxRetryBackoff.
func (j *Job) Backoff() time.Duration {
	if j.RetryDelay <= 0 {
		return 0
	}
	d := j.RetryDelay
	for i := 0; i < j.RetryCount; i++ {
		d *= 2
		if d >= MaxRetryBackoff {
			return MaxRetryBackoff
		}
	}
	return min(d, MaxRetryBackoff)
}
