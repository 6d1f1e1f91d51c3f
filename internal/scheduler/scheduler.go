// Package scheduler runs registered callbacks on interval and
// daily-at-time triggers. It polls a clock rather than arming one timer
// per trigger, which keeps behaviour identical under a fake clock in
// tests and under the real clock in production.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/metrics"
	"github.com/openclip/clipd/internal/pipeline"
)

// Callback is one unit of scheduled work. Errors are logged and
// counted; they never stop the scheduler or other triggers.
type Callback func(ctx context.Context) error

type trigger struct {
	name     string
	cb       Callback
	interval time.Duration // zero for daily triggers
	daily    bool
	atHour   int
	atMinute int
	nextFire time.Time
}

// Scheduler holds triggers in registration order and fires the due ones
// on every Tick.
type Scheduler struct {
	mu       sync.Mutex
	triggers []*trigger
	clock    pipeline.Clock
	logger   *zap.Logger
	stopped  bool
}

func New(clock pipeline.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{clock: clock, logger: logger}
}

// ScheduleInterval registers cb to fire every d, first firing one full
// interval after registration.
func (s *Scheduler) ScheduleInterval(d time.Duration, name string, cb Callback) error {
	if d <= 0 {
		return fmt.Errorf("interval for %q must be positive, got %s", name, d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, &trigger{
		name:     name,
		cb:       cb,
		interval: d,
		nextFire: s.clock.Now().Add(d),
	})
	return nil
}

// ScheduleDaily registers cb to fire once a day at the given "HH:MM"
// wall time. If that time has already passed today the first firing is
// tomorrow.
func (s *Scheduler) ScheduleDaily(at, name string, cb Callback) error {
	parsed, err := time.Parse("15:04", at)
	if err != nil {
		return fmt.Errorf("daily time for %q must be HH:MM, got %q: %w", name, at, err)
	}
	tr := &trigger{
		name:     name,
		cb:       cb,
		daily:    true,
		atHour:   parsed.Hour(),
		atMinute: parsed.Minute(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr.nextFire = nextDaily(s.clock.Now(), tr.atHour, tr.atMinute)
	s.triggers = append(s.triggers, tr)
	return nil
}

func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Tick fires every due trigger once, in registration order. A slow or
// failing callback delays later triggers within the same tick but never
// skips them. After firing, the next-fire time is rolled forward until
// it is strictly in the future, so a long outage yields one catch-up
// firing rather than a burst.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	var due []*trigger
	for _, tr := range s.triggers {
		if !tr.nextFire.After(now) {
			due = append(due, tr)
		}
	}
	s.mu.Unlock()

	for _, tr := range due {
		s.fire(ctx, tr)
		s.mu.Lock()
		now = s.clock.Now()
		for !tr.nextFire.After(now) {
			if tr.daily {
				tr.nextFire = nextDaily(tr.nextFire, tr.atHour, tr.atMinute)
			} else {
				tr.nextFire = tr.nextFire.Add(tr.interval)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) fire(ctx context.Context, tr *trigger) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("task", tr.name),
				zap.Any("panic", r))
			metrics.RecordCallbackFailure(tr.name)
		}
	}()
	start := s.clock.Now()
	if err := tr.cb(ctx); err != nil {
		s.logger.Error("scheduled task failed",
			zap.String("task", tr.name),
			zap.Error(err))
		metrics.RecordCallbackFailure(tr.name)
		return
	}
	s.logger.Debug("scheduled task completed",
		zap.String("task", tr.name),
		zap.Duration("elapsed", s.clock.Now().Sub(start)))
}

// RunForever ticks at the poll interval until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop clears all triggers. Further Ticks are no-ops; Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.triggers = nil
}

// TaskNames lists registered triggers in registration order.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.triggers))
	for i, tr := range s.triggers {
		names[i] = tr.name
	}
	return names
}
