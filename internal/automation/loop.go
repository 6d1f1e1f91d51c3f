// Package automation drives the end-to-end pipeline: discover URLs,
// drain the queue under the rate limits, record statistics, and raise
// notifications. The loop owns no state of its own; every decision is
// re-derived from the persistent store, so a restart resumes cleanly.
package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/health"
	"github.com/openclip/clipd/internal/metrics"
	"github.com/openclip/clipd/internal/pipeline"
)

// JobQueue is the slice of the queue the loop drives.
type JobQueue interface {
	Enqueue(ctx context.Context, url string, priority int, metadata map[string]any) (int64, error)
	Next(ctx context.Context) (*pipeline.Job, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	ShouldRetry(ctx context.Context, id int64) (bool, error)
	Retry(ctx context.Context, id int64) error
	PendingCount(ctx context.Context) (int, error)
}

// RateLimiter gates upload attempts.
type RateLimiter interface {
	CanProceed(ctx context.Context) (bool, string, error)
	RecordAttempt(ctx context.Context, success bool) error
	TimeUntilNextSlot(ctx context.Context) (time.Duration, error)
}

// Recorder is the slice of the persistent store used for bookkeeping.
type Recorder interface {
	AddVideoRecord(ctx context.Context, rec pipeline.VideoRecord) error
	AddDailyStats(ctx context.Context, date string, delta pipeline.DailyStats) error
	StatisticsSince(ctx context.Context, days int) ([]pipeline.DailyStats, error)
	LogError(ctx context.Context, jobID *int64, errType, message string) error
}

// HealthChecker produces the aggregate health report.
type HealthChecker interface {
	Run(ctx context.Context) health.Report
}

// Config tunes the loop. Zero values fall back to defaults in New.
type Config struct {
	MaxPerCycle     int
	IdlePoll        time.Duration
	WaitChunk       time.Duration
	DefaultPriority int
	Processing      pipeline.ProcessOptions
}

// Loop wires the collaborators together.
type Loop struct {
	queue      JobQueue
	limiter    RateLimiter
	recorder   Recorder
	checker    HealthChecker
	processor  pipeline.Processor
	discoverer pipeline.Discoverer
	notifier   pipeline.Notifier
	clock      pipeline.Clock
	cfg        Config
	logger     *zap.Logger
}

func New(
	queue JobQueue,
	limiter RateLimiter,
	recorder Recorder,
	checker HealthChecker,
	processor pipeline.Processor,
	discoverer pipeline.Discoverer,
	notifier pipeline.Notifier,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 5
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Minute
	}
	if cfg.WaitChunk <= 0 {
		cfg.WaitChunk = time.Hour
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 5
	}
	return &Loop{
		queue:      queue,
		limiter:    limiter,
		recorder:   recorder,
		checker:    checker,
		processor:  processor,
		discoverer: discoverer,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run is the main automation loop. It discovers once up front, then
// alternates drain cycles with idle or quota waits until the context is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("automation loop starting")
	if err := l.DiscoverAndQueue(ctx); err != nil {
		l.logger.Warn("initial discovery failed", zap.Error(err))
	}
	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("automation loop stopping")
			return err
		}
		processed, quotaBlocked, err := l.drainQueue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("drain cycle failed", zap.Error(err))
		}
		switch {
		case quotaBlocked:
			if err := l.waitForQuota(ctx); err != nil {
				return err
			}
		case processed == 0:
			if err := sleepCtx(ctx, l.cfg.IdlePoll); err != nil {
				return err
			}
		}
	}
}

// drainQueue processes up to MaxPerCycle jobs. It stops early when the
// queue empties or the rate limiter denies the next attempt.
func (l *Loop) drainQueue(ctx context.Context) (processed int, quotaBlocked bool, err error) {
	for processed < l.cfg.MaxPerCycle {
		if err := ctx.Err(); err != nil {
			return processed, false, err
		}
		ok, reason, err := l.limiter.CanProceed(ctx)
		if err != nil {
			return processed, false, fmt.Errorf("checking quota: %w", err)
		}
		if !ok {
			l.logger.Info("drain cycle halted by quota", zap.String("reason", reason))
			return processed, true, nil
		}
		job, err := l.queue.Next(ctx)
		if err != nil {
			return processed, false, fmt.Errorf("fetching next job: %w", err)
		}
		if job == nil {
			break
		}
		l.processOne(ctx, job)
		processed++
	}
	if pending, err := l.queue.PendingCount(ctx); err == nil {
		metrics.SetQueuePending(pending)
	}
	return processed, false, nil
}

// processOne runs a single job through the processor and routes the
// outcome. Processor panics are contained and treated as failures.
func (l *Loop) processOne(ctx context.Context, job *pipeline.Job) {
	logger := l.logger.With(zap.Int64("job_id", job.ID), zap.String("url", job.URL))
	if err := l.queue.MarkProcessing(ctx, job.ID); err != nil {
		logger.Error("failed to mark job processing", zap.Error(err))
		return
	}
	logger.Info("processing job", zap.Int("attempt", job.RetryCount+1))

	result, err := l.safeProcess(ctx, job)
	if err == nil && result.Success {
		l.handleSuccess(ctx, job, result, logger)
		return
	}
	exception := err != nil
	if err == nil {
		err = fmt.Errorf("processing reported failure: %v", result.Errors)
	}
	l.handleFailure(ctx, job, err, exception, logger)
}

// safeProcess calls the processor with panic containment.
func (l *Loop) safeProcess(ctx context.Context, job *pipeline.Job) (result pipeline.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return l.processor.Process(ctx, job.URL, l.cfg.Processing)
}

func (l *Loop) handleSuccess(ctx context.Context, job *pipeline.Job, result pipeline.ProcessResult, logger *zap.Logger) {
	if err := l.queue.MarkCompleted(ctx, job.ID); err != nil {
		logger.Error("failed to mark job completed", zap.Error(err))
	}
	if err := l.limiter.RecordAttempt(ctx, true); err != nil {
		logger.Error("failed to record upload attempt", zap.Error(err))
	}
	metrics.RecordJob("completed")
	metrics.RecordUploadAttempt(true)
	metrics.ObserveProcessingDuration(result.ProcessingTime)

	if err := l.recorder.AddVideoRecord(ctx, pipeline.VideoRecord{
		URL:            job.URL,
		ClipsFound:     result.ClipsFound,
		ClipsProcessed: result.ClipsProcessed,
		ProcessingTime: result.ProcessingTime,
		Status:         "completed",
		Metadata:       job.Metadata,
	}); err != nil {
		logger.Error("failed to record video", zap.Error(err))
	}
	if err := l.recorder.AddDailyStats(ctx, l.today(), pipeline.DailyStats{
		VideosProcessed:   1,
		ClipsCreated:      result.ClipsProcessed,
		UploadsSuccessful: 1,
		ProcessingSeconds: result.ProcessingTime.Seconds(),
	}); err != nil {
		logger.Error("failed to record daily stats", zap.Error(err))
	}
	logger.Info("job completed",
		zap.Int("clips_found", result.ClipsFound),
		zap.Int("clips_processed", result.ClipsProcessed),
		zap.Duration("elapsed", result.ProcessingTime))

	if result.ClipsProcessed > 0 {
		l.notify(ctx, pipeline.Event{
			Kind:    pipeline.EventSuccess,
			Title:   "video processed",
			Message: fmt.Sprintf("%d of %d clips processed", result.ClipsProcessed, result.ClipsFound),
			URL:     job.URL,
		})
	}
}

// handleFailure routes a failed attempt. Exceptions and panics are
// logged on every attempt; everything else (ledger record, failure
// metrics, stats, notification) happens only once the job is out of
// retries.
func (l *Loop) handleFailure(ctx context.Context, job *pipeline.Job, procErr error, exception bool, logger *zap.Logger) {
	logger.Warn("job attempt failed", zap.Error(procErr))
	if exception {
		if err := l.recorder.LogError(ctx, &job.ID, "processing", procErr.Error()); err != nil {
			logger.Error("failed to log error", zap.Error(err))
		}
	}

	retryable, err := l.queue.ShouldRetry(ctx, job.ID)
	if err != nil {
		logger.Error("failed to check retry budget", zap.Error(err))
		retryable = false
	}
	if retryable {
		if err := l.queue.Retry(ctx, job.ID); err != nil {
			logger.Error("failed to requeue job", zap.Error(err))
		}
		return
	}

	if err := l.queue.MarkFailed(ctx, job.ID, procErr.Error()); err != nil {
		logger.Error("failed to mark job failed", zap.Error(err))
	}
	if err := l.limiter.RecordAttempt(ctx, false); err != nil {
		logger.Error("failed to record upload attempt", zap.Error(err))
	}
	metrics.RecordJob("failed")
	metrics.RecordUploadAttempt(false)
	if !exception {
		if err := l.recorder.LogError(ctx, &job.ID, "processing", procErr.Error()); err != nil {
			logger.Error("failed to log error", zap.Error(err))
		}
	}
	if err := l.recorder.AddDailyStats(ctx, l.today(), pipeline.DailyStats{
		UploadsFailed: 1,
		ErrorsCount:   1,
	}); err != nil {
		logger.Error("failed to record daily stats", zap.Error(err))
	}
	l.notify(ctx, pipeline.Event{
		Kind:    pipeline.EventFailure,
		Title:   "job failed permanently",
		Message: procErr.Error(),
		URL:     job.URL,
	})
}

// waitForQuota sleeps until the next upload slot, in chunks so that a
// shutdown request interrupts promptly and a quota freed early (for
// example after a config change) is noticed within one chunk.
func (l *Loop) waitForQuota(ctx context.Context) error {
	wait, err := l.limiter.TimeUntilNextSlot(ctx)
	if err != nil {
		return fmt.Errorf("computing quota wait: %w", err)
	}
	if wait <= 0 {
		return nil
	}
	metrics.SetQuotaWait(wait)
	defer metrics.SetQuotaWait(0)
	l.logger.Info("waiting for quota", zap.Duration("wait", wait))
	for wait > 0 {
		chunk := min(wait, l.cfg.WaitChunk)
		if err := sleepCtx(ctx, chunk); err != nil {
			return err
		}
		wait, err = l.limiter.TimeUntilNextSlot(ctx)
		if err != nil {
			return fmt.Errorf("computing quota wait: %w", err)
		}
	}
	return nil
}

// DiscoverAndQueue polls the configured feeds and enqueues every new
// URL. Registered as a scheduled task and run once at startup.
func (l *Loop) DiscoverAndQueue(ctx context.Context) error {
	urls, err := l.discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovering: %w", err)
	}
	queued := 0
	for _, url := range urls {
		if _, err := l.queue.Enqueue(ctx, url, l.cfg.DefaultPriority, map[string]any{"source": "discovery"}); err != nil {
			l.logger.Warn("failed to enqueue discovered url",
				zap.String("url", url),
				zap.Error(err))
			continue
		}
		queued++
	}
	metrics.AddDiscovered(queued)
	l.logger.Info("discovery queued jobs", zap.Int("queued", queued))
	return nil
}

// PerformHealthCheck runs all probes and raises a notification when the
// system is unhealthy. Registered as a scheduled task.
func (l *Loop) PerformHealthCheck(ctx context.Context) error {
	report := l.checker.Run(ctx)
	if report.Healthy() {
		return nil
	}
	l.notify(ctx, pipeline.Event{
		Kind:    pipeline.EventHealth,
		Title:   "system unhealthy",
		Message: fmt.Sprintf("errors: %v", report.Errors),
	})
	return nil
}

// SendDailySummary reports today's counters. Registered as a scheduled
// task firing once a day.
func (l *Loop) SendDailySummary(ctx context.Context) error {
	stats, err := l.recorder.StatisticsSince(ctx, 1)
	if err != nil {
		return fmt.Errorf("reading statistics: %w", err)
	}
	var today pipeline.DailyStats
	for _, s := range stats {
		if s.Date == l.today() {
			today = s
			break
		}
	}
	l.notify(ctx, pipeline.Event{
		Kind:  pipeline.EventSummary,
		Title: "daily summary",
		Message: fmt.Sprintf("processed %d videos, %d clips, %d uploads ok, %d failed",
			today.VideosProcessed, today.ClipsCreated, today.UploadsSuccessful, today.UploadsFailed),
	})
	return nil
}

func (l *Loop) today() string {
	return l.clock.Now().Format("2006-01-02")
}

// notify delivers an event best effort; delivery failures never affect
// the pipeline.
func (l *Loop) notify(ctx context.Context, event pipeline.Event) {
	event.At = l.clock.Now()
	if err := l.notifier.Notify(ctx, event); err != nil {
		l.logger.Warn("notification delivery failed",
			zap.String("title", event.Title),
			zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
