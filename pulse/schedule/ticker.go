package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/pulse/async"
)

// maxDuePerTick bounds how many schedules one tick fires.
const maxDuePerTick = 100

// Ticker periodically enqueues async jobs for due schedules.
type Ticker struct {
	store      *Store
	executions *ExecutionStore
	queue      *async.Queue
	interval   time.Duration
	retry      async.JobOptions
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval   time.Duration // How often to check for due schedules
	RetryLimit int           // Retry budget of each enqueued job
	RetryDelay time.Duration // Base backoff of each enqueued job
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:   30 * time.Second,
		RetryLimit: 2,
		RetryDelay: 30 * time.Second,
	}
}

// NewTicker creates a ticker over store that enqueues into queue.
// Cancelling ctx stops it the same way Stop does.
func NewTicker(ctx context.Context, store *Store, queue *async.Queue, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:      store,
		executions: NewExecutionStore(store.db),
		queue:      queue,
		interval:   cfg.Interval,
		retry:      async.JobOptions{RetryLimit: cfg.RetryLimit, RetryDelay: cfg.RetryDelay},
		ctx:        tickerCtx,
		cancel:     cancel,
		pulseLog:   logger.AddPulseSymbol(log.Named("ticker")),
	}
}

// Start begins the ticker loop. Due schedules are checked once immediately.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	now := t.queue.Now()

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	ticks := t.ticksSinceStart
	t.mu.Unlock()

	if _, err := t.Tick(t.ctx, now); err != nil && t.ctx.Err() == nil {
		// Don't spam logs - log errors at warn level
		t.pulseLog.Warnw("Pulse tick error", "error", err, "tick", ticks)
	}
}

// Tick fires every schedule due at now and returns how many jobs it
// enqueued. A failure on one schedule is logged and does not stop the rest.
func (t *Ticker) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := t.store.ListJobsDue(ctx, now, maxDuePerTick)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list scheduled jobs")
	}

	enqueued := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		fired, err := t.fire(ctx, sched, now)
		if err != nil {
			t.pulseLog.Errorw("Failed to fire scheduled job",
				"schedule_id", sched.ID,
				logger.FieldHandler, sched.HandlerName,
				logger.FieldError, err)
			continue
		}
		if fired {
			enqueued++
		}
	}
	return enqueued, nil
}

// fire claims the due slot of sched by advancing next_run_at, then enqueues
// its job unless the previous run is still in flight.
func (t *Ticker) fire(ctx context.Context, sched *Job, now time.Time) (bool, error) {
	next, err := NextRun(sched.CronExpr, now)
	if err != nil {
		return false, err
	}

	won, err := t.store.Advance(ctx, sched.ID, sched.NextRunAt, next, now)
	if err != nil {
		return false, err
	}
	if !won {
		// Another ticker fired this slot
		return false, nil
	}

	exec := &Execution{ScheduledJobID: sched.ID, FiredAt: now}

	active, err := t.queue.Store().HasActiveJobForSchedule(ctx, sched.ID)
	switch {
	case err != nil:
		exec.Status = ExecutionStatusFailed
		exec.Reason = err.Error()
	case active:
		exec.Status = ExecutionStatusSkipped
		exec.Reason = "previous run still active"
		t.pulseLog.Debugw("Skipping schedule, previous run still active",
			logger.FieldHandler, sched.HandlerName,
			"next_run_at", next)
	default:
		exec.JobID, err = t.enqueue(ctx, sched, now)
		if err != nil {
			exec.Status = ExecutionStatusFailed
			exec.Reason = err.Error()
		} else {
			exec.Status = ExecutionStatusEnqueued
		}
	}

	if recErr := t.executions.CreateExecution(ctx, exec); recErr != nil {
		t.pulseLog.Warnw("Failed to record execution", "schedule_id", sched.ID, logger.FieldError, recErr)
	}
	if exec.Status == ExecutionStatusFailed {
		return false, errors.WithDetailf(errors.Newf("schedule %s: %s", sched.HandlerName, exec.Reason), "Schedule ID: %s", sched.ID)
	}
	if exec.Status == ExecutionStatusSkipped {
		return false, nil
	}

	if err := t.store.SetLastJob(ctx, sched.ID, exec.JobID, now); err != nil {
		t.pulseLog.Warnw("Failed to record last job", "schedule_id", sched.ID, logger.FieldError, err)
	}
	t.pulseLog.Infow("Pulse OK",
		logger.FieldHandler, sched.HandlerName,
		logger.FieldJobID, exec.JobID,
		"next_run_at", next.Format(time.RFC3339))
	return true, nil
}

func (t *Ticker) enqueue(ctx context.Context, sched *Job, now time.Time) (string, error) {
	opts := t.retry
	opts.Source = "pulse:" + sched.ID
	opts.ScheduleID = sched.ID

	job, err := async.NewJob(sched.HandlerName, sched.Payload, opts, now)
	if err != nil {
		return "", errors.Wrap(err, "failed to create async job")
	}
	if err := t.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
