package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hrpulse/errors"
	hrtest "github.com/teranos/hrpulse/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(hrtest.CreateTestDB(t))
}

func mustCreate(t *testing.T, s *Store, handler string, opts JobOptions, now time.Time) *Job {
	t.Helper()
	job, err := NewJob(handler, map[string]string{"k": "v"}, opts, now)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := mustCreate(t, s, "stage-email.send", JobOptions{
		Source:     "stage:OFFER",
		RetryLimit: 3,
		RetryDelay: 30 * time.Second,
		ScheduleID: "sched-1",
	}, t0)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "stage-email.send", got.HandlerName)
	assert.Equal(t, "stage:OFFER", got.Source)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 3, got.RetryLimit)
	assert.Equal(t, 30*time.Second, got.RetryDelay)
	assert.Equal(t, "sched-1", got.ScheduleID)
	assert.True(t, got.RunAfter.Equal(t0))
	assert.JSONEq(t, `{"k":"v"}`, string(got.Payload))
	assert.Nil(t, got.StartedAt)

	_, err = s.GetJob(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreClaimNext(t *testing.T) {
	ctx := context.Background()

	t.Run("only due jobs are claimed", func(t *testing.T) {
		s := newTestStore(t)
		later := mustCreate(t, s, "later", JobOptions{RunAfter: t0.Add(time.Hour)}, t0)

		claimed, err := s.ClaimNext(ctx, t0)
		require.NoError(t, err)
		assert.Nil(t, claimed, "nothing due yet")

		claimed, err = s.ClaimNext(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, later.ID, claimed.ID)
		assert.Equal(t, JobStatusRunning, claimed.Status)
		require.NotNil(t, claimed.StartedAt)
	})

	t.Run("oldest due job first", func(t *testing.T) {
		s := newTestStore(t)
		second := mustCreate(t, s, "second", JobOptions{RunAfter: t0.Add(2 * time.Minute)}, t0)
		first := mustCreate(t, s, "first", JobOptions{RunAfter: t0.Add(time.Minute)}, t0)

		now := t0.Add(5 * time.Minute)
		a, err := s.ClaimNext(ctx, now)
		require.NoError(t, err)
		b, err := s.ClaimNext(ctx, now)
		require.NoError(t, err)

		assert.Equal(t, first.ID, a.ID)
		assert.Equal(t, second.ID, b.ID)
	})

	t.Run("a claimed job cannot be claimed again", func(t *testing.T) {
		s := newTestStore(t)
		mustCreate(t, s, "once", JobOptions{}, t0)

		claimed, err := s.ClaimNext(ctx, t0)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		again, err := s.ClaimNext(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, again)
	})
}

func TestStoreTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := mustCreate(t, s, "guarded", JobOptions{RetryLimit: 2}, t0)

	// Not running yet: complete and fail are refused
	ok, err := s.CompleteJob(ctx, job.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.FailJob(ctx, job.ID, "boom", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ClaimNext(ctx, t0)
	require.NoError(t, err)

	ok, err = s.RequeueJob(ctx, job.ID, 1, t0.Add(time.Minute), "attempt 1/3: boom", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "attempt 1/3: boom", got.Error)
	assert.Nil(t, got.StartedAt)

	_, err = s.ClaimNext(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	ok, err = s.CompleteJob(ctx, job.ID, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	// Terminal: nothing moves it
	ok, err = s.FailJob(ctx, job.ID, "late", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CancelJob(ctx, job.ID, "late", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCancelOnlyQueued(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queued := mustCreate(t, s, "queued", JobOptions{RunAfter: t0.Add(time.Hour)}, t0)

	ok, err := s.CancelJob(ctx, queued.ID, "candidate withdrew", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.Equal(t, "candidate withdrew", got.Error)

	claimed, err := s.ClaimNext(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, claimed, "cancelled jobs never run")
}

func TestStoreRequeueOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stale := mustCreate(t, s, "stale", JobOptions{}, t0)
	_, err := s.ClaimNext(ctx, t0)
	require.NoError(t, err)

	fresh := mustCreate(t, s, "fresh", JobOptions{}, t0)
	_, err = s.ClaimNext(ctx, t0.Add(20*time.Minute))
	require.NoError(t, err)

	now := t0.Add(25 * time.Minute)
	n, err := s.RequeueOrphans(ctx, now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)

	got, err = s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status, "recently claimed work belongs to a live worker")
}

func TestStoreListCountAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mustCreate(t, s, "a", JobOptions{}, t0)
	mustCreate(t, s, "b", JobOptions{RunAfter: t0.Add(time.Hour)}, t0.Add(time.Second))
	_, err := s.ClaimNext(ctx, t0)
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, a.ID, t0)
	require.NoError(t, err)

	all, err := s.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].HandlerName, "newest first")

	queued := JobStatusQueued
	onlyQueued, err := s.ListJobs(ctx, &queued, 10)
	require.NoError(t, err)
	require.Len(t, onlyQueued, 1)
	assert.Equal(t, "b", onlyQueued[0].HandlerName)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[JobStatusQueued])
	assert.Equal(t, 1, counts[JobStatusCompleted])

	removed, err := s.CleanupOldJobs(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed, "only terminal jobs are removed")
}

func TestStoreHasActiveJobForSchedule(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	active, err := s.HasActiveJobForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, active)

	job := mustCreate(t, s, "sweep.reminders", JobOptions{ScheduleID: "sched-1"}, t0)
	active, err = s.HasActiveJobForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.True(t, active)

	_, err = s.ClaimNext(ctx, t0)
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, job.ID, t0)
	require.NoError(t, err)

	active, err = s.HasActiveJobForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, active)
}
