package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/hrpulse/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Queue is the job queue API over Store. Correctness comes from the store's
// conditional updates; the mutex only guards the subscriber list.
type Queue struct {
	store       *Store
	now         func() time.Time
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store: NewStore(db),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the queue's time source. Tests use it to make run_after
// and backoff deterministic.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Now returns the queue's current time.
func (q *Queue) Now() time.Time {
	return q.now()
}

// Store exposes the underlying store.
func (q *Queue) Store() *Store {
	return q.store
}

func withJobDetails(err error, job *Job) error {
	err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
	if job.Source != "" {
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
	}
	return err
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.store.CreateJob(ctx, job); err != nil {
		return withJobDetails(errors.Wrap(err, "failed to enqueue job"), job)
	}
	q.notifySubscribers(job)
	return nil
}

// Dequeue claims the next due job. Returns (nil, nil) when none is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	job, err := q.store.ClaimNext(ctx, q.now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue job")
	}
	if job != nil {
		q.notifySubscribers(job)
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// CompleteJob marks a running job as completed
func (q *Queue) CompleteJob(ctx context.Context, job *Job) error {
	now := q.now()
	ok, err := q.store.CompleteJob(ctx, job.ID, now)
	if err != nil {
		return withJobDetails(err, job)
	}
	if !ok {
		return withJobDetails(errors.Newf("job %s is no longer running", job.ID), job)
	}
	job.Status = JobStatusCompleted
	job.Error = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	q.notifySubscribers(job)
	return nil
}

// FailJob marks a running job as failed
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	now := q.now()
	reason := jobErr.Error()
	ok, err := q.store.FailJob(ctx, job.ID, reason, now)
	if err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job error: %s", reason))
		return withJobDetails(err, job)
	}
	if !ok {
		return withJobDetails(errors.Newf("job %s is no longer running", job.ID), job)
	}
	job.Status = JobStatusFailed
	job.Error = reason
	job.CompletedAt = &now
	job.UpdatedAt = now
	q.notifySubscribers(job)
	return nil
}

// RetryJob re-queues a running job after a failed attempt, consuming one
// retry and delaying it by the job's backoff.
func (q *Queue) RetryJob(ctx context.Context, job *Job, jobErr error) error {
	now := q.now()
	runAfter := now.Add(job.Backoff())
	retryCount := job.RetryCount + 1
	reason := fmt.Sprintf("attempt %d/%d: %v", retryCount, job.RetryLimit+1, jobErr)

	ok, err := q.store.RequeueJob(ctx, job.ID, retryCount, runAfter, reason, now)
	if err != nil {
		return withJobDetails(err, job)
	}
	if !ok {
		return withJobDetails(errors.Newf("job %s is no longer running", job.ID), job)
	}
	job.Status = JobStatusQueued
	job.RetryCount = retryCount
	job.RunAfter = runAfter
	job.Error = reason
	job.StartedAt = nil
	job.UpdatedAt = now
	q.notifySubscribers(job)
	return nil
}

// ReleaseJob re-queues a running job without consuming a retry. Used when
// a worker is shutting down mid-execution.
func (q *Queue) ReleaseJob(ctx context.Context, job *Job) error {
	now := q.now()
	if _, err := q.store.RequeueJob(ctx, job.ID, job.RetryCount, now, job.Error, now); err != nil {
		return withJobDetails(err, job)
	}
	job.Status = JobStatusQueued
	job.StartedAt = nil
	job.UpdatedAt = now
	q.notifySubscribers(job)
	return nil
}

// CancelJob cancels a queued job.
func (q *Queue) CancelJob(ctx context.Context, id, reason string) error {
	ok, err := q.store.CancelJob(ctx, id, reason, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("job %s is not queued", id)
	}
	return nil
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a snapshot of job to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.subscribers) == 0 {
		return
	}
	snapshot := *job
	for _, ch := range q.subscribers {
		select {
		case ch <- &snapshot:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// Cleanup removes terminal jobs older than olderThan
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.store.CleanupOldJobs(ctx, q.now().Add(-olderThan))
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
