package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestIntervalTriggerFiresOncePerInterval(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	fired := 0
	require.NoError(t, s.ScheduleInterval(time.Hour, "discovery", func(context.Context) error {
		fired++
		return nil
	}))

	ctx := context.Background()
	s.Tick(ctx)
	require.Zero(t, fired, "first firing is one interval after registration")

	clock.advance(time.Hour)
	s.Tick(ctx)
	require.Equal(t, 1, fired)

	// Extra ticks inside the same interval do not refire.
	clock.advance(time.Minute)
	s.Tick(ctx)
	require.Equal(t, 1, fired)

	clock.advance(59 * time.Minute)
	s.Tick(ctx)
	require.Equal(t, 2, fired)
}

func TestOutageYieldsSingleCatchUpFiring(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	fired := 0
	require.NoError(t, s.ScheduleInterval(time.Hour, "health", func(context.Context) error {
		fired++
		return nil
	}))

	// No ticks for five hours, then one tick: exactly one firing.
	clock.advance(5 * time.Hour)
	s.Tick(context.Background())
	require.Equal(t, 1, fired)

	// The next-fire time rolled past now, so the next tick is quiet.
	s.Tick(context.Background())
	require.Equal(t, 1, fired)
}

func TestFailingCallbackDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	var order []string
	require.NoError(t, s.ScheduleInterval(time.Minute, "bad", func(context.Context) error {
		order = append(order, "bad")
		return errors.New("boom")
	}))
	require.NoError(t, s.ScheduleInterval(time.Minute, "good", func(context.Context) error {
		order = append(order, "good")
		return nil
	}))

	clock.advance(time.Minute)
	s.Tick(context.Background())
	require.Equal(t, []string{"bad", "good"}, order)
}

func TestPanickingCallbackIsContained(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	ran := false
	require.NoError(t, s.ScheduleInterval(time.Minute, "panicky", func(context.Context) error {
		panic("kaboom")
	}))
	require.NoError(t, s.ScheduleInterval(time.Minute, "steady", func(context.Context) error {
		ran = true
		return nil
	}))

	clock.advance(time.Minute)
	require.NotPanics(t, func() { s.Tick(context.Background()) })
	require.True(t, ran)
}

func TestDailyTriggerFiresAtWallTime(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	fired := 0
	require.NoError(t, s.ScheduleDaily("23:00", "summary", func(context.Context) error {
		fired++
		return nil
	}))

	ctx := context.Background()
	clock.advance(13 * time.Hour) // 22:00
	s.Tick(ctx)
	require.Zero(t, fired)

	clock.advance(90 * time.Minute) // 23:30
	s.Tick(ctx)
	require.Equal(t, 1, fired)

	// Next firing is tomorrow at 23:00, not again today.
	clock.advance(10 * time.Minute)
	s.Tick(ctx)
	require.Equal(t, 1, fired)

	clock.advance(24 * time.Hour)
	s.Tick(ctx)
	require.Equal(t, 2, fired)
}

func TestDailyTriggerPastTimeWaitsUntilTomorrow(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	fired := 0
	require.NoError(t, s.ScheduleDaily("23:00", "summary", func(context.Context) error {
		fired++
		return nil
	}))

	s.Tick(context.Background())
	require.Zero(t, fired)

	clock.advance(24 * time.Hour)
	s.Tick(context.Background())
	require.Equal(t, 1, fired)
}

func TestScheduleDailyRejectsBadTime(t *testing.T) {
	t.Parallel()
	s := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.Error(t, s.ScheduleDaily("25:99", "bad", func(context.Context) error { return nil }))
	require.Error(t, s.ScheduleInterval(0, "zero", func(context.Context) error { return nil }))
}

func TestStopClearsTriggers(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := New(clock, zap.NewNop())

	fired := 0
	require.NoError(t, s.ScheduleInterval(time.Minute, "task", func(context.Context) error {
		fired++
		return nil
	}))
	require.Equal(t, []string{"task"}, s.TaskNames())

	s.Stop()
	s.Stop() // idempotent

	clock.advance(time.Hour)
	s.Tick(context.Background())
	require.Zero(t, fired)
	require.Empty(t, s.TaskNames())
}
