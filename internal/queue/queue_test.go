package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/pipeline"
)

// fakeStore is an in-memory Store with the same ordering and uniqueness
// semantics as the Postgres implementation.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*pipeline.Job
	now    time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs: make(map[int64]*pipeline.Job),
		now:  time.Unix(1700000000, 0).UTC(),
	}
}

func (f *fakeStore) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fakeStore) AddJob(_ context.Context, url string, priority, maxRetries int, metadata map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, j := range f.jobs {
		if j.URL == url && j.Status == pipeline.StatusPending {
			return id, nil
		}
	}
	f.nextID++
	f.jobs[f.nextID] = &pipeline.Job{
		ID:         f.nextID,
		URL:        url,
		Status:     pipeline.StatusPending,
		Priority:   priority,
		CreatedAt:  f.tick(),
		MaxRetries: maxRetries,
		Metadata:   metadata,
	}
	return f.nextID, nil
}

func (f *fakeStore) NextJob(context.Context) (*pipeline.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*pipeline.Job
	for _, j := range f.jobs {
		if j.Status == pipeline.StatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].Priority != pending[k].Priority {
			return pending[i].Priority > pending[k].Priority
		}
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})
	job := *pending[0]
	return &job, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (*pipeline.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, pipeline.ErrJobNotFound
	}
	job := *j
	return &job, nil
}

func (f *fakeStore) setStatus(id int64, status pipeline.JobStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	j.Status = status
	now := f.tick()
	switch status {
	case pipeline.StatusProcessing:
		j.StartedAt = &now
	case pipeline.StatusCompleted, pipeline.StatusFailed:
		j.CompletedAt = &now
		j.ErrorMessage = reason
	}
	return nil
}

func (f *fakeStore) SetJobProcessing(_ context.Context, id int64) error {
	return f.setStatus(id, pipeline.StatusProcessing, "")
}

func (f *fakeStore) SetJobCompleted(_ context.Context, id int64) error {
	return f.setStatus(id, pipeline.StatusCompleted, "")
}

func (f *fakeStore) SetJobFailed(_ context.Context, id int64, reason string) error {
	return f.setStatus(id, pipeline.StatusFailed, reason)
}

func (f *fakeStore) RetryJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	j.Status = pipeline.StatusPending
	j.RetryCount++
	return nil
}

func (f *fakeStore) CountJobs(_ context.Context, status pipeline.JobStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RecentFailedJobs(_ context.Context, limit int) ([]pipeline.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var failed []pipeline.Job
	for _, j := range f.jobs {
		if j.Status == pipeline.StatusFailed {
			failed = append(failed, *j)
		}
	}
	sort.Slice(failed, func(i, k int) bool {
		return failed[i].CompletedAt.After(*failed[k].CompletedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func newTestQueue() (*Queue, *fakeStore) {
	store := newFakeStore()
	q := New(store, Config{DefaultPriority: 5, MaxRetries: 3}, zap.NewNop())
	return q, store
}

func TestEnqueueIsIdempotentForPendingURL(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "https://example.com/watch?v=a", 0, nil)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "https://example.com/watch?v=a", 0, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestNextReturnsFIFOWithinEqualPriority(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	urls := []string{
		"https://example.com/watch?v=a",
		"https://example.com/watch?v=b",
		"https://example.com/watch?v=c",
	}
	for _, u := range urls {
		_, err := q.Enqueue(ctx, u, 5, nil)
		require.NoError(t, err)
	}

	for _, want := range urls {
		job, err := q.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, want, job.URL)
		require.NoError(t, q.MarkProcessing(ctx, job.ID))
		require.NoError(t, q.MarkCompleted(ctx, job.ID))
	}
}

func TestNextPrefersHigherPriority(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "https://example.com/watch?v=low", 1, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/watch?v=high", 9, nil)
	require.NoError(t, err)

	job, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/watch?v=high", job.URL)
}

func TestNextDoesNotMutateState(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "https://example.com/watch?v=a", 5, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		job, err := q.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.Equal(t, pipeline.StatusPending, job.Status)
	}
}

func TestRetryPreservesFIFOPosition(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "https://example.com/watch?v=a", 5, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/watch?v=b", 5, nil)
	require.NoError(t, err)

	// Fail the first job and retry it; it must come back ahead of the
	// second job because its creation time is unchanged.
	require.NoError(t, q.MarkProcessing(ctx, first))
	require.NoError(t, q.Retry(ctx, first))

	job, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, first, job.ID)
	require.Equal(t, 1, job.RetryCount)
}

func TestShouldRetryExhaustsBudget(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "https://example.com/watch?v=a", 5, nil)
	require.NoError(t, err)

	// max_retries is 3: the third retry is the last allowed one.
	for i := 0; i < 3; i++ {
		ok, err := q.ShouldRetry(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "retry %d should be allowed", i+1)
		require.NoError(t, q.Retry(ctx, id))
	}

	ok, err := q.ShouldRetry(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueueRejectsEmptyURL(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()

	_, err := q.Enqueue(context.Background(), "", 5, nil)
	require.Error(t, err)
}

func TestMetadataRoundTrips(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue()
	ctx := context.Background()

	meta := map[string]any{"source": "feed", "channel": "news"}
	id, err := q.Enqueue(ctx, "https://example.com/watch?v=a", 5, meta)
	require.NoError(t, err)

	job, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, meta, job.Metadata)
}
