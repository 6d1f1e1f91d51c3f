package pipeline

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Processor is the single blocking call that turns a video URL into
// uploaded clips. Download, transcription, scoring, editing and upload
// all live behind this interface; the orchestrator only routes its
// result. A returned error is treated the same as an unsuccessful
// result, after being written to the error log.
type Processor interface {
	Process(ctx context.Context, url string, opts ProcessOptions) (ProcessResult, error)
}

// Discoverer finds candidate video URLs. Implementations are
// best-effort: a failing source is skipped, never fatal.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Notifier delivers an Event to the configured channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
