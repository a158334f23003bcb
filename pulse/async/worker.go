package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// Job outcomes reported to a JobObserver
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeReleased  = "released"
)

// JobObserver receives one call per executed job. Metrics implement it.
type JobObserver interface {
	ObserveJob(handler, outcome string, duration time.Duration)
}

// JobExecutor runs a claimed job.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often idle workers check for due jobs
	OrphanAfter  time.Duration `json:"orphan_after"`  // Running jobs idle this long are re-queued at Start
	StopTimeout  time.Duration `json:"stop_timeout"`  // How long Stop waits for in-flight jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: time.Second,
		OrphanAfter:  15 * time.Minute,
		StopTimeout:  30 * time.Second,
	}
}

// WorkerPool manages a pool of workers that process pulse jobs
type WorkerPool struct {
	queue      *Queue
	registry   *HandlerRegistry
	executor   JobExecutor
	observer   JobObserver
	poolConfig WorkerPoolConfig
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     pulseLogger
	mu         sync.Mutex
	running    bool
	active     int // Workers currently executing a job
}

// NewWorkerPool creates a worker pool over queue dispatching through registry.
// IMPORTANT: Callers must register handlers before calling Start().
//
// Cancelling ctx stops the workers the same way Stop does.
func NewWorkerPool(ctx context.Context, queue *Queue, registry *HandlerRegistry, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = time.Second
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = 30 * time.Second
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:      queue,
		registry:   registry,
		executor:   registry,
		poolConfig: poolCfg,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{logger.Named("pulse")},
	}
}

// SetObserver installs a JobObserver. Call before Start.
func (wp *WorkerPool) SetObserver(o JobObserver) {
	wp.observer = o
}

// Start recovers orphaned jobs and launches the workers.
// ✿ Opening: Recover orphaned jobs before starting workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}

	// Context cancelled by a previous Stop: derive a fresh one
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	if err := wp.recoverOrphanedJobs(); err != nil {
		// Continue starting workers even if recovery fails
		wp.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	}

	for i := 0; i < wp.poolConfig.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.running = true
	wp.logger.Pulse("Worker pool started", "workers", wp.poolConfig.Workers, "handlers", wp.registry.Names())
}

// recoverOrphanedJobs re-queues jobs stuck in running after an ungraceful
// shutdown (crash, kill -9, power loss). Delivery is at-least-once.
func (wp *WorkerPool) recoverOrphanedJobs() error {
	now := wp.queue.Now()
	n, err := wp.queue.store.RequeueOrphans(wp.ctx, now.Add(-wp.poolConfig.OrphanAfter), now)
	if err != nil {
		return err
	}
	if n > 0 {
		wp.logger.Starting("Opening - re-queued orphaned jobs from previous run", "count", n)
	}
	return nil
}

// Stop gracefully stops the worker pool.
// ❀ Closing: in-flight jobs are released back to the queue when their
// handler observes cancellation.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(wp.poolConfig.StopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", wp.poolConfig.StopTimeout)
	}
}

// worker processes jobs until the pool context is cancelled. After a job it
// immediately looks for the next one; when idle it waits one poll interval.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			processed, err := wp.ProcessNext()
			if err != nil {
				if wp.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoff)
					select {
					case <-wp.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
				errorCount = 0
				backoff = time.Second
			}
			if !processed || wp.ctx.Err() != nil {
				break
			}
		}
	}
}

// ProcessNext claims and executes one due job. Returns false when no job
// was due. Exposed so tests and one-shot commands can drive the queue
// synchronously.
func (wp *WorkerPool) ProcessNext() (bool, error) {
	if wp.ctx.Err() != nil {
		return false, nil
	}

	job, err := wp.queue.Dequeue(wp.ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := wp.logger.With("job_id", job.ID, "handler", job.HandlerName, "attempt", job.RetryCount+1)
	wp.mu.Lock()
	wp.active++
	wp.mu.Unlock()
	start := time.Now()
	execErr := wp.executor.Execute(wp.ctx, job)
	wp.mu.Lock()
	wp.active--
	wp.mu.Unlock()
	outcome, err := wp.settle(job, execErr, log)
	if wp.observer != nil {
		wp.observer.ObserveJob(job.HandlerName, outcome, time.Since(start))
	}
	return true, err
}

// settle records the result of one execution.
func (wp *WorkerPool) settle(job *Job, execErr error, log *zap.SugaredLogger) (string, error) {
	// Use a context that survives shutdown so the final state is written.
	ctx := context.WithoutCancel(wp.ctx)

	if execErr == nil {
		return OutcomeCompleted, wp.queue.CompleteJob(ctx, job)
	}

	// ❀ Closing: cancelled mid-execution, hand the job back untouched
	if wp.ctx.Err() != nil && !IsPermanent(execErr) {
		wp.logger.Closing("Job interrupted by shutdown, re-queuing", "job_id", job.ID)
		return OutcomeReleased, wp.queue.ReleaseJob(ctx, job)
	}

	class := ClassifyError(job.HandlerName, execErr)
	if IsPermanent(execErr) || job.IsFinalAttempt() {
		log.Warnw("Job failed",
			"error", execErr,
			"error_code", class.Code,
			"permanent", IsPermanent(execErr),
			"retry_count", job.RetryCount,
			"retry_limit", job.RetryLimit)
		return OutcomeFailed, wp.queue.FailJob(ctx, job, execErr)
	}

	log.Infow("Retry scheduled",
		"error", execErr,
		"error_code", class.Code,
		"retry_count", job.RetryCount+1,
		"retry_limit", job.RetryLimit,
		"backoff", job.Backoff())
	return OutcomeRetried, wp.queue.RetryJob(ctx, job, execErr)
}

// Queue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.poolConfig.Workers
}

// Registry returns the handler registry for registering job handlers.
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
