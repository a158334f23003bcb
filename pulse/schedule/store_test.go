package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hrpulse/errors"
	hrtest "github.com/teranos/hrpulse/internal/testing"
)

var t0 = time.Date(2026, 3, 2, 9, 7, 0, 0, time.UTC)

func TestNextRun(t *testing.T) {
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"0 */6 * * *", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := NextRun(tt.expr, t0)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}

	_, err := NextRun("every tuesday", t0)
	assert.Error(t, err)
	_, err = NextRun("* * * * * *", t0)
	assert.Error(t, err, "seconds field is not accepted")
}

func TestStoreUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewStore(hrtest.CreateTestDB(t))

	created, err := s.Upsert(ctx, "sweep.reminders", "*/15 * * * *", json.RawMessage(`{"limit":100}`), t0)
	require.NoError(t, err)
	assert.Equal(t, StateActive, created.State)
	assert.True(t, created.NextRunAt.Equal(time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)))
	assert.JSONEq(t, `{"limit":100}`, string(created.Payload))

	t.Run("same cron keeps the pending slot", func(t *testing.T) {
		again, err := s.Upsert(ctx, "sweep.reminders", "*/15 * * * *", nil, t0.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)
		assert.True(t, again.NextRunAt.Equal(created.NextRunAt))
		assert.Empty(t, again.Payload, "payload follows the latest registration")
	})

	t.Run("changed cron reschedules", func(t *testing.T) {
		changed, err := s.Upsert(ctx, "sweep.reminders", "0 * * * *", nil, t0)
		require.NoError(t, err)
		assert.Equal(t, created.ID, changed.ID)
		assert.True(t, changed.NextRunAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("invalid cron is rejected", func(t *testing.T) {
		_, err := s.Upsert(ctx, "sweep.escalations", "nope", nil, t0)
		assert.Error(t, err)
		_, err = s.GetByHandler(ctx, "sweep.escalations")
		assert.True(t, errors.Is(err, ErrScheduleNotFound))
	})

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStoreListDueAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := NewStore(hrtest.CreateTestDB(t))

	sched, err := s.Upsert(ctx, "sweep.auto-activate", "0 * * * *", nil, t0)
	require.NoError(t, err)

	due, err := s.ListJobsDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	slot := sched.NextRunAt
	due, err = s.ListJobsDue(ctx, slot, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := slot.Add(time.Hour)
	won, err := s.Advance(ctx, sched.ID, due[0].NextRunAt, next, slot)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Advance(ctx, sched.ID, due[0].NextRunAt, next, slot)
	require.NoError(t, err)
	assert.False(t, won, "a slot fires once")

	got, err := s.GetJob(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(next))
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(slot))

	soonest, err := s.GetNextScheduledJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, soonest)
	assert.Equal(t, sched.ID, soonest.ID)
}

func TestStoreUpdateState(t *testing.T) {
	ctx := context.Background()
	s := NewStore(hrtest.CreateTestDB(t))

	sched, err := s.Upsert(ctx, "sweep.identity-sync", "0 */6 * * *", nil, t0)
	require.NoError(t, err)

	require.NoError(t, s.UpdateState(ctx, sched.ID, StatePaused, t0))
	due, err := s.ListJobsDue(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "paused schedules do not fire")

	later := t0.Add(24 * time.Hour)
	require.NoError(t, s.UpdateState(ctx, sched.ID, StateActive, later))
	got, err := s.GetJob(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(later), "missed slots are not replayed")

	assert.Error(t, s.UpdateState(ctx, sched.ID, "stopping", t0))
	assert.True(t, errors.IsNotFoundError(s.UpdateState(ctx, "missing", StatePaused, t0)))
}
