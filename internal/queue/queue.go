// Package queue implements the durable, priority-ordered job queue on
// top of the persistent store. It owns job state transitions and retry
// bookkeeping; it never caches authoritative state between operations.
package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/pipeline"
)

// Store is the slice of the persistent store the queue depends on.
type Store interface {
	AddJob(ctx context.Context, url string, priority, maxRetries int, metadata map[string]any) (int64, error)
	NextJob(ctx context.Context) (*pipeline.Job, error)
	GetJob(ctx context.Context, id int64) (*pipeline.Job, error)
	SetJobProcessing(ctx context.Context, id int64) error
	SetJobCompleted(ctx context.Context, id int64) error
	SetJobFailed(ctx context.Context, id int64, reason string) error
	RetryJob(ctx context.Context, id int64) error
	CountJobs(ctx context.Context, status pipeline.JobStatus) (int, error)
	RecentFailedJobs(ctx context.Context, limit int) ([]pipeline.Job, error)
}

// Config sets enqueue-time job defaults.
type Config struct {
	DefaultPriority int
	MaxRetries      int
}

// Queue is the persistent job queue.
type Queue struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// New constructs a Queue.
func New(store Store, cfg Config, logger *zap.Logger) *Queue {
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{store: store, cfg: cfg, logger: logger}
}

// Enqueue adds a pending job for url. If a pending job for the same URL
// already exists its id is returned instead; enqueueing is idempotent
// and never fails on a duplicate. priority <= 0 uses the default.
func (q *Queue) Enqueue(ctx context.Context, url string, priority int, metadata map[string]any) (int64, error) {
	if url == "" {
		return 0, fmt.Errorf("enqueue: url is required")
	}
	if priority <= 0 {
		priority = q.cfg.DefaultPriority
	}
	id, err := q.store.AddJob(ctx, url, priority, q.cfg.MaxRetries, metadata)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", url, err)
	}
	q.logger.Debug("job enqueued",
		zap.Int64("job_id", id),
		zap.String("url", url),
		zap.Int("priority", priority),
	)
	return id, nil
}

// Next returns the pending job with the highest priority, ties broken
// by earliest creation time. It does not mutate state; callers must
// mark the job processing explicitly. Returns (nil, nil) on an empty
// queue.
func (q *Queue) Next(ctx context.Context) (*pipeline.Job, error) {
	job, err := q.store.NextJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}
	return job, nil
}

// MarkProcessing transitions a job to processing.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) error {
	if err := q.store.SetJobProcessing(ctx, id); err != nil {
		return fmt.Errorf("mark job %d processing: %w", id, err)
	}
	return nil
}

// MarkCompleted transitions a job to completed.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	if err := q.store.SetJobCompleted(ctx, id); err != nil {
		return fmt.Errorf("mark job %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed transitions a job to failed with the given reason.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string) error {
	if err := q.store.SetJobFailed(ctx, id, reason); err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return nil
}

// ShouldRetry reports whether the job still has retry budget.
func (q *Queue) ShouldRetry(ctx context.Context, id int64) (bool, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup job %d: %w", id, err)
	}
	return job.CanRetry(), nil
}

// Retry resets a job to pending and increments its retry counter. The
// job keeps its original creation time, preserving FIFO fairness
// against untouched jobs of equal priority.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	if err := q.store.RetryJob(ctx, id); err != nil {
		return fmt.Errorf("retry job %d: %w", id, err)
	}
	q.logger.Info("job reset for retry", zap.Int64("job_id", id))
	return nil
}

// PendingCount returns the number of pending jobs.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountJobs(ctx, pipeline.StatusPending)
}

// ProcessingCount returns the number of jobs currently processing.
func (q *Queue) ProcessingCount(ctx context.Context) (int, error) {
	return q.store.CountJobs(ctx, pipeline.StatusProcessing)
}

// FailedCount returns the number of failed jobs.
func (q *Queue) FailedCount(ctx context.Context) (int, error) {
	return q.store.CountJobs(ctx, pipeline.StatusFailed)
}

// RecentFailed returns recently failed jobs, most recent first.
func (q *Queue) RecentFailed(ctx context.Context, limit int) ([]pipeline.Job, error) {
	return q.store.RecentFailedJobs(ctx, limit)
}
