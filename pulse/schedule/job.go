// Package schedule fires recurring pulse jobs from cron expressions.
package schedule

import (
	"encoding/json"
	"time"
)

// Job is a recurring schedule. There is at most one per handler name.
type Job struct {
	ID          string
	HandlerName string          // Async handler to enqueue (e.g. "sweep.reminders")
	CronExpr    string          // Standard 5-field cron or a descriptor like "@hourly"
	Payload     json.RawMessage // Copied verbatim into every enqueued job
	State       string
	NextRunAt   time.Time
	LastRunAt   *time.Time
	LastJobID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// State constants for scheduled jobs
const (
	StateActive  = "active"  // Fires on schedule
	StatePaused  = "paused"  // Kept, but not fired
	StateDeleted = "deleted" // Soft delete
)

// IsValidState reports whether s is a known schedule state.
func IsValidState(s string) bool {
	return s == StateActive || s == StatePaused || s == StateDeleted
}
