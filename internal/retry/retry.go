// Package retry provides an explicit retry policy for transient
// collaborator failures. It is distinct from the job queue's own
// job-level retry accounting, which is a coarser policy owned by the
// queue itself.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes exponential backoff between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultPolicy mirrors the defaults used for feed and API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay returns the backoff before the given zero-based retry attempt.
// With jitter enabled the delay is scaled into [50%, 100%] of the
// exponential value.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = d * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

// Do invokes op until it succeeds, the policy is exhausted, or the
// context is canceled. The last error is returned wrapped with the
// attempt count.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
