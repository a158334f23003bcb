package schedule

import "time"

// Execution records one firing of a schedule: the job it enqueued, or why
// nothing was enqueued.
type Execution struct {
	ID             string    `json:"id"`
	ScheduledJobID string    `json:"scheduled_job_id"`
	JobID          string    `json:"job_id,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	FiredAt        time.Time `json:"fired_at"`
}

// Execution status constants
const (
	ExecutionStatusEnqueued = "enqueued"
	ExecutionStatusSkipped  = "skipped" // Previous run still queued or running
	ExecutionStatusFailed   = "failed"
)
