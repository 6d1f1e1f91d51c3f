// Package ratelimit enforces the daily and hourly upload quotas. Counts
// are always derived from a persisted append-only ledger keyed by
// calendar day, so restarts never reset consumed quota. Only successful
// uploads consume quota; failed attempts are recorded for diagnostics
// but do not count.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/pipeline"
)

// Ledger is the slice of the persistent store the limiter needs.
type Ledger interface {
	UploadHistory(ctx context.Context, key string) ([]pipeline.UploadRecord, error)
	AppendUpload(ctx context.Context, key string, rec pipeline.UploadRecord) error
}

// Config carries the quota windows. Zero values fall back to the
// defaults of six uploads per day and three per hour, resetting at
// midnight UTC.
type Config struct {
	DailyLimit  int
	HourlyLimit int
	ResetHour   int
	Location    *time.Location
}

// Limiter answers "may we upload now" against the persisted ledger.
type Limiter struct {
	ledger Ledger
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger
}

func New(ledger Ledger, cfg Config, clock pipeline.Clock, logger *zap.Logger) *Limiter {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 6
	}
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Limiter{ledger: ledger, cfg: cfg, clock: clock, logger: logger}
}

// Status is a point-in-time projection of both quota windows.
type Status struct {
	DailyUsed       int       `json:"daily_used"`
	DailyLimit      int       `json:"daily_limit"`
	DailyRemaining  int       `json:"daily_remaining"`
	HourlyUsed      int       `json:"hourly_used"`
	HourlyLimit     int       `json:"hourly_limit"`
	HourlyRemaining int       `json:"hourly_remaining"`
	NextSlot        time.Time `json:"next_slot"`
}

// ledgerKey names the ledger entry for the quota day containing t. A
// quota day starts at ResetHour, so times before the reset hour belong
// to the previous calendar day's ledger.
func (l *Limiter) ledgerKey(t time.Time) string {
	t = t.In(l.cfg.Location)
	if t.Hour() < l.cfg.ResetHour {
		t = t.AddDate(0, 0, -1)
	}
	return "uploads_" + t.Format("2006-01-02")
}

// counts returns successful uploads in the current quota day and in the
// current wall-clock hour. The hourly window keys off the record's Hour
// field so that locations with non-whole-hour UTC offsets still reset
// at the top of the local hour.
func (l *Limiter) counts(ctx context.Context) (daily, hourly int, err error) {
	now := l.clock.Now().In(l.cfg.Location)
	records, err := l.ledger.UploadHistory(ctx, l.ledgerKey(now))
	if err != nil {
		return 0, 0, fmt.Errorf("reading upload ledger: %w", err)
	}
	for _, rec := range records {
		if !rec.Success {
			continue
		}
		daily++
		if rec.Hour == now.Hour() {
			hourly++
		}
	}
	return daily, hourly, nil
}

// CanProceed reports whether an upload is allowed right now. The daily
// window is checked before the hourly one, so a day that is fully spent
// reports the daily reason even when the hour also happens to be full.
func (l *Limiter) CanProceed(ctx context.Context) (bool, string, error) {
	daily, hourly, err := l.counts(ctx)
	if err != nil {
		return false, "", err
	}
	if daily >= l.cfg.DailyLimit {
		return false, fmt.Sprintf("daily limit reached (%d/%d)", daily, l.cfg.DailyLimit), nil
	}
	if hourly >= l.cfg.HourlyLimit {
		return false, fmt.Sprintf("hourly limit reached (%d/%d)", hourly, l.cfg.HourlyLimit), nil
	}
	return true, "", nil
}

// RecordAttempt appends one attempt to the ledger. Failed attempts are
// kept for diagnostics but never consume quota.
func (l *Limiter) RecordAttempt(ctx context.Context, success bool) error {
	now := l.clock.Now().In(l.cfg.Location)
	rec := pipeline.UploadRecord{
		Hour:      now.Hour(),
		Success:   success,
		Timestamp: now,
	}
	if err := l.ledger.AppendUpload(ctx, l.ledgerKey(now), rec); err != nil {
		return fmt.Errorf("appending upload record: %w", err)
	}
	l.logger.Debug("upload attempt recorded",
		zap.Bool("success", success),
		zap.Int("hour", rec.Hour))
	return nil
}

// TimeUntilNextSlot returns how long to wait before an upload could be
// allowed again. Zero means an upload is allowed right now.
func (l *Limiter) TimeUntilNextSlot(ctx context.Context) (time.Duration, error) {
	daily, hourly, err := l.counts(ctx)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now().In(l.cfg.Location)
	if daily >= l.cfg.DailyLimit {
		return l.nextReset(now).Sub(now), nil
	}
	if hourly >= l.cfg.HourlyLimit {
		return l.nextHour(now).Sub(now), nil
	}
	return 0, nil
}

// nextHour is the top of the next wall-clock hour in the configured
// location.
func (l *Limiter) nextHour(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+1, 0, 0, 0, l.cfg.Location)
}

// nextReset is the next daily quota boundary strictly after now.
func (l *Limiter) nextReset(now time.Time) time.Time {
	reset := time.Date(now.Year(), now.Month(), now.Day(), l.cfg.ResetHour, 0, 0, 0, l.cfg.Location)
	if !reset.After(now) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// QuotaStatus reports both windows for dashboards and the stats API.
func (l *Limiter) QuotaStatus(ctx context.Context) (Status, error) {
	daily, hourly, err := l.counts(ctx)
	if err != nil {
		return Status{}, err
	}
	now := l.clock.Now().In(l.cfg.Location)
	st := Status{
		DailyUsed:       daily,
		DailyLimit:      l.cfg.DailyLimit,
		DailyRemaining:  max(0, l.cfg.DailyLimit-daily),
		HourlyUsed:      hourly,
		HourlyLimit:     l.cfg.HourlyLimit,
		HourlyRemaining: max(0, l.cfg.HourlyLimit-hourly),
		NextSlot:        now,
	}
	if daily >= l.cfg.DailyLimit {
		st.NextSlot = l.nextReset(now)
	} else if hourly >= l.cfg.HourlyLimit {
		st.NextSlot = l.nextHour(now)
	}
	return st, nil
}
