package async

import (
	"database/sql"
	"time"
)

// jobScanArgs holds the nullable columns of a job row during scanning.
type jobScanArgs struct {
	Payload      sql.NullString
	ErrorMsg     sql.NullString
	ScheduleID   sql.NullString
	RetryDelayMS int64
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
}

// scanTargets returns pointers in the order of jobSelectColumns.
func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.HandlerName,
		&job.Source,
		&args.Payload,
		&job.Status,
		&args.ErrorMsg,
		&job.RetryCount,
		&job.RetryLimit,
		&args.RetryDelayMS,
		&job.RunAfter,
		&args.ScheduleID,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

func (args *jobScanArgs) apply(job *Job) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.ScheduleID.Valid {
		job.ScheduleID = args.ScheduleID.String
	}
	job.RetryDelay = time.Duration(args.RetryDelayMS) * time.Millisecond
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

const jobSelectColumns = `id, handler_name, source, payload, status, error,
		retry_count, retry_limit, retry_delay_ms, run_after, schedule_id,
		created_at, started_at, completed_at, updated_at`
