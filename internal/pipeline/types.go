package pipeline

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is one durable unit of queued work, identified by a video URL.
// A URL can hold at most one job per status at a time; completed and
// failed are terminal unless the job is explicitly retried.
type Job struct {
	ID           int64          `json:"id"`
	URL          string         `json:"url"`
	Status       JobStatus      `json:"status"`
	Priority     int            `json:"priority"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CanRetry reports whether the job has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// ProcessOptions enumerates every knob passed to the processing
// collaborator. All fields are explicit; there are no hidden defaults.
type ProcessOptions struct {
	ModelSize string
	Workers   int
	UseCache  bool
	Upload    bool
}

// ProcessResult is the outcome of one processing attempt.
type ProcessResult struct {
	Success        bool
	ClipsFound     int
	ClipsProcessed int
	ProcessingTime time.Duration
	Errors         []string
}

// UploadRecord is one entry in the per-day rate-limiter ledger. The
// ledger is append-only within a day; counts are always derived from it.
type UploadRecord struct {
	Hour      int       `json:"hour"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// DailyStats holds one calendar day's accumulated counters. Values are
// deltas when passed to the store, which adds them to the stored row.
type DailyStats struct {
	Date              string  `json:"date"`
	VideosProcessed   int     `json:"videos_processed"`
	ClipsCreated      int     `json:"clips_created"`
	UploadsSuccessful int     `json:"uploads_successful"`
	UploadsFailed     int     `json:"uploads_failed"`
	ErrorsCount       int     `json:"errors_count"`
	ProcessingSeconds float64 `json:"total_processing_time"`
}

// VideoRecord is the processing-history row kept per video URL.
type VideoRecord struct {
	URL            string
	VideoID        string
	Title          string
	ClipsFound     int
	ClipsProcessed int
	ProcessingTime time.Duration
	Status         string
	Metadata       map[string]any
}

// ErrorLogEntry is one row of the persistent error log. JobID is nil
// for errors not tied to a job.
type ErrorLogEntry struct {
	ID         int64     `json:"id"`
	JobID      *int64    `json:"job_id,omitempty"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventKind classifies notification events.
type EventKind string

const (
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
	EventHealth  EventKind = "health"
	EventSummary EventKind = "summary"
	EventInfo    EventKind = "info"
)

// Event is a human-readable alert handed to the notifier. Delivery is
// fire-and-forget; a failed delivery never affects automation flow.
type Event struct {
	Kind    EventKind `json:"kind"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
}
