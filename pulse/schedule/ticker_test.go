package schedule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	hrtest "github.com/teranos/hrpulse/internal/testing"
	"github.com/teranos/hrpulse/pulse/async"
)

func newTestTicker(t *testing.T) (*Ticker, *Store, *async.Queue, *sql.DB) {
	t.Helper()
	db := hrtest.CreateTestDB(t)
	store := NewStore(db)
	queue := async.NewQueue(db)
	ticker := NewTicker(context.Background(), store, queue, DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())
	return ticker, store, queue, db
}

func TestTickerFiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	ticker, store, queue, _ := newTestTicker(t)

	sched, err := store.Upsert(ctx, "sweep.reminders", "*/15 * * * *", nil, t0)
	require.NoError(t, err)

	n, err := ticker.Tick(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due before 09:15")

	slot := sched.NextRunAt
	n, err = ticker.Tick(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := queue.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "sweep.reminders", jobs[0].HandlerName)
	assert.Equal(t, sched.ID, jobs[0].ScheduleID)
	assert.Equal(t, DefaultTickerConfig().RetryLimit, jobs[0].RetryLimit)

	got, err := store.GetJob(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(slot.Add(15*time.Minute)))
	assert.Equal(t, jobs[0].ID, got.LastJobID)

	n, err = ticker.Tick(ctx, slot.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same slot never fires twice")

	execs, err := ticker.executions.ListExecutions(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusEnqueued, execs[0].Status)
	assert.Equal(t, jobs[0].ID, execs[0].JobID)
}

func TestTickerSkipsWhilePreviousRunActive(t *testing.T) {
	ctx := context.Background()
	ticker, store, queue, _ := newTestTicker(t)

	sched, err := store.Upsert(ctx, "sweep.escalations", "0 * * * *", nil, t0)
	require.NoError(t, err)

	first := sched.NextRunAt
	n, err := ticker.Tick(ctx, first)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The first run is still queued at the next slot
	second := first.Add(time.Hour)
	n, err = ticker.Tick(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	got, err := store.GetJob(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(second.Add(time.Hour)), "skipped slots still advance")

	counts, err := ticker.executions.CountByStatus(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ExecutionStatusEnqueued])
	assert.Equal(t, 1, counts[ExecutionStatusSkipped])
}

func TestTickerCatchesUpOnceAfterDowntime(t *testing.T) {
	ctx := context.Background()
	ticker, store, _, _ := newTestTicker(t)

	sched, err := store.Upsert(ctx, "sweep.auto-activate", "0 * * * *", nil, t0)
	require.NoError(t, err)

	// Down for a day: one catch-up firing, not 24
	now := t0.Add(24 * time.Hour)
	n, err := ticker.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetJob(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(now))
}

func TestTickerStartStop(t *testing.T) {
	ctx := context.Background()
	db := hrtest.CreateTestDB(t)
	store := NewStore(db)
	queue := async.NewQueue(db)

	_, err := store.Upsert(ctx, "sweep.reminders", "@every 1m", nil, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	ticker := NewTicker(ctx, store, queue, TickerConfig{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ticker.Start()
	require.Eventually(t, func() bool {
		stats, err := queue.GetStats(ctx)
		return err == nil && stats.Total == 1
	}, 2*time.Second, 10*time.Millisecond)
	ticker.Stop()

	stats := ticker.GetStats()
	assert.GreaterOrEqual(t, stats["ticks_since_start"].(int64), int64(1))
}
