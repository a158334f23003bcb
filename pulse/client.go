// Package pulse is the scheduler handle the engine is given: one-shot
// delayed jobs, recurring cron jobs and handler registration over the
// durable async queue.
package pulse

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/pulse/async"
	"github.com/teranos/hrpulse/pulse/schedule"
)

// HandlerFunc handles one job. Returning an error asks for a retry unless
// the error is marked with async.Permanent.
type HandlerFunc = async.HandlerFunc

// EnqueueOptions controls a single enqueue. Zero retry fields fall back to
// the client defaults; set NoRetry for exactly one attempt.
type EnqueueOptions struct {
	StartAfter time.Time // zero = now
	RetryLimit int
	RetryDelay time.Duration
	NoRetry    bool
	Source     string
}

// Config configures a Client.
type Config struct {
	Workers        int
	PollInterval   time.Duration
	TickerInterval time.Duration
	RetryLimit     int           // Default retries per job
	RetryDelay     time.Duration // Default base backoff
	OrphanAfter    time.Duration
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	pool := async.DefaultWorkerPoolConfig()
	return Config{
		Workers:        pool.Workers,
		PollInterval:   pool.PollInterval,
		TickerInterval: schedule.DefaultTickerConfig().Interval,
		RetryLimit:     5,
		RetryDelay:     30 * time.Second,
		OrphanAfter:    pool.OrphanAfter,
	}
}

// Client composes the queue, worker pool and ticker behind one handle.
type Client struct {
	cfg       Config
	queue     *async.Queue
	registry  *async.HandlerRegistry
	pool      *async.WorkerPool
	schedules *schedule.Store
	ticker    *schedule.Ticker
	log       *zap.SugaredLogger

	mu      sync.Mutex
	running bool
}

// NewClient builds a client over an already migrated database.
func NewClient(ctx context.Context, db *sql.DB, cfg Config, log *zap.SugaredLogger) *Client {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = def.TickerInterval
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = def.OrphanAfter
	}

	queue := async.NewQueue(db)
	registry := async.NewHandlerRegistry()
	pool := async.NewWorkerPool(ctx, queue, registry, async.WorkerPoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		OrphanAfter:  cfg.OrphanAfter,
	}, log)
	schedules := schedule.NewStore(db)
	ticker := schedule.NewTicker(ctx, schedules, queue, schedule.TickerConfig{
		Interval:   cfg.TickerInterval,
		RetryLimit: cfg.RetryLimit,
		RetryDelay: cfg.RetryDelay,
	}, log)

	return &Client{
		cfg:       cfg,
		queue:     queue,
		registry:  registry,
		pool:      pool,
		schedules: schedules,
		ticker:    ticker,
		log:       log.Named("pulse"),
	}
}

// SetClock replaces the time source of the queue and the ticker.
func (c *Client) SetClock(now func() time.Time) {
	c.queue.SetClock(now)
}

// SetObserver installs a job observer on the worker pool. Call before Start.
func (c *Client) SetObserver(o async.JobObserver) {
	c.pool.SetObserver(o)
}

// Enqueue persists a job for jobType and returns its id. The job becomes
// claimable at opts.StartAfter.
func (c *Client) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	jobOpts := async.JobOptions{
		Source:     opts.Source,
		RunAfter:   opts.StartAfter,
		RetryLimit: opts.RetryLimit,
		RetryDelay: opts.RetryDelay,
	}
	if opts.NoRetry {
		jobOpts.RetryLimit = 0
	} else if jobOpts.RetryLimit == 0 {
		jobOpts.RetryLimit = c.cfg.RetryLimit
	}
	if jobOpts.RetryDelay == 0 {
		jobOpts.RetryDelay = c.cfg.RetryDelay
	}

	job, err := async.NewJob(jobType, payload, jobOpts, c.queue.Now())
	if err != nil {
		return "", err
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	c.log.Debugw("Enqueued job", "job_id", job.ID, "handler", jobType, "run_after", job.RunAfter)
	return job.ID, nil
}

// ScheduleRecurring registers (or updates) the recurring schedule for
// jobType. Calling it again with the same arguments is a no-op.
func (c *Client) ScheduleRecurring(ctx context.Context, jobType, cronExpr string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal payload for %s", jobType)
		}
		raw = data
	}
	sched, err := c.schedules.Upsert(ctx, jobType, cronExpr, raw, c.queue.Now())
	if err != nil {
		return err
	}
	c.log.Infow("Recurring job scheduled", "handler", jobType, "cron", cronExpr, "next_run_at", sched.NextRunAt)
	return nil
}

// RegisterHandler routes jobs of jobType to fn. Panics on duplicates.
func (c *Client) RegisterHandler(jobType string, fn HandlerFunc) {
	c.registry.Register(async.NewHandler(jobType, fn))
}

// Start launches the worker pool and the ticker.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.pool.Start()
	c.ticker.Start()
	c.running = true
}

// Stop halts the ticker first so nothing new is enqueued, then drains the
// worker pool.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.ticker.Stop()
	c.pool.Stop()
	c.running = false
}

// RunPending executes due jobs on the calling goroutine until none is
// left and returns how many ran. Used by one-shot commands and tests.
func (c *Client) RunPending(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		processed, err := c.pool.ProcessNext()
		if err != nil {
			return n, err
		}
		if !processed {
			break
		}
		n++
	}
	return n, ctx.Err()
}

// Tick fires due recurring schedules once, synchronously.
func (c *Client) Tick(ctx context.Context) (int, error) {
	return c.ticker.Tick(ctx, c.queue.Now())
}

// Queue exposes the underlying job queue.
func (c *Client) Queue() *async.Queue { return c.queue }

// Schedules exposes the recurring schedule store.
func (c *Client) Schedules() *schedule.Store { return c.schedules }

// Handlers returns the registered handler names.
func (c *Client) Handlers() []string { return c.registry.Names() }

// SystemMetrics reports worker, job and host memory usage.
func (c *Client) SystemMetrics(ctx context.Context) async.SystemMetrics {
	return c.pool.GetSystemMetrics(ctx)
}
