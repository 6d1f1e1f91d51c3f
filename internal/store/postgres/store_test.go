package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/openclip/clipd/internal/pipeline"
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestAddJobInsertsPendingJob(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs("https://example.com/watch?v=a", 5, 3, []byte(`{"source":"feed"}`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := store.AddJob(context.Background(), "https://example.com/watch?v=a", 5, 3,
		map[string]any{"source": "feed"})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddJobReturnsExistingPendingID(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs("https://example.com/watch?v=a", 5, 3, []byte(nil)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM jobs").
		WithArgs("https://example.com/watch?v=a").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := store.AddJob(context.Background(), "https://example.com/watch?v=a", 5, 3, nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "url", "status", "priority", "created_at", "started_at",
		"completed_at", "error_message", "retry_count", "max_retries", "metadata",
	})
}

func TestNextJobReturnsHighestPriority(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	created := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM jobs").
		WillReturnRows(jobRows().AddRow(
			int64(3), "https://example.com/watch?v=c", "pending", 9, created,
			nil, nil, "", 0, 3, []byte(nil),
		))

	job, err := store.NextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, int64(3), job.ID)
	require.Equal(t, pipeline.StatusPending, job.Status)
	require.Equal(t, 9, job.Priority)
	require.Equal(t, created, job.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextJobEmptyQueue(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM jobs").WillReturnError(pgx.ErrNoRows)

	job, err := store.NextJob(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM jobs").WithArgs(int64(99)).WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), 99)
	require.ErrorIs(t, err, ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'processing'").
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE jobs SET status = 'completed'").
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE jobs SET status = 'failed'").
		WithArgs(int64(1), "download failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.SetJobProcessing(ctx, 1))
	require.NoError(t, store.SetJobCompleted(ctx, 1))
	require.NoError(t, store.SetJobFailed(ctx, 1, "download failed"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryJobIncrementsCounter(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectExec("retry_count = retry_count \\+ 1").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RetryJob(context.Background(), 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryJobUnknownID(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectExec("retry_count = retry_count \\+ 1").
		WithArgs(int64(404)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.RetryJob(context.Background(), 404)
	require.ErrorIs(t, err, ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountJobs(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM jobs WHERE status").
		WithArgs("pending").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := store.CountJobs(context.Background(), pipeline.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDailyStatsUpserts(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO daily_statistics").
		WithArgs("2026-08-30", 1, 2, 1, 0, 0, 95.5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.AddDailyStats(context.Background(), "2026-08-30", pipeline.DailyStats{
		VideosProcessed:   1,
		ClipsCreated:      2,
		UploadsSuccessful: 1,
		ProcessingSeconds: 95.5,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatisticsSince(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM daily_statistics").
		WithArgs(7).
		WillReturnRows(pgxmock.NewRows([]string{
			"date", "videos_processed", "clips_created", "uploads_successful",
			"uploads_failed", "errors_count", "total_processing_time",
		}).AddRow("2026-08-30", 3, 6, 3, 1, 1, 300.0))

	stats, err := store.StatisticsSince(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "2026-08-30", stats[0].Date)
	require.Equal(t, 3, stats[0].VideosProcessed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSettingMissingKey(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM settings").
		WithArgs("no-such-key").
		WillReturnError(pgx.ErrNoRows)

	var out string
	found, err := store.GetSetting(context.Background(), "no-such-key", &out)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	raw := []byte(`[{"hour":9,"success":true,"timestamp":"2026-08-30T09:15:00Z"}]`)
	mock.ExpectQuery("FROM settings").
		WithArgs("uploads_2026-08-30").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(raw))

	records, err := store.UploadHistory(context.Background(), "uploads_2026-08-30")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 9, records[0].Hour)
	require.True(t, records[0].Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendUploadLocksAndWrites(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("uploads_2026-08-30").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO settings").
		WithArgs("uploads_2026-08-30", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.AppendUpload(context.Background(), "uploads_2026-08-30", pipeline.UploadRecord{
		Hour:      9,
		Success:   true,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogErrorInsertsEntry(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	jobID := int64(12)
	mock.ExpectExec("INSERT INTO error_logs").
		WithArgs(&jobID, "ProcessError", "ffmpeg exited 1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.LogError(context.Background(), &jobID, "ProcessError", "ffmpeg exited 1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentErrorsNewestFirst(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	jobID := int64(12)
	later := time.Unix(1700003600, 0).UTC()
	earlier := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, job_id, error_type, error_message, occurred_at").
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "job_id", "error_type", "error_message", "occurred_at"}).
			AddRow(int64(2), &jobID, "ProcessError", "ffmpeg exited 1", later).
			AddRow(int64(1), (*int64)(nil), "health", "disk usage 91%", earlier))

	entries, err := store.RecentErrors(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(2), entries[0].ID)
	require.NotNil(t, entries[0].JobID)
	require.Equal(t, jobID, *entries[0].JobID)
	require.Nil(t, entries[1].JobID)
	require.Equal(t, "health", entries[1].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorsSince(t *testing.T) {
	t.Parallel()
	store, mock := newTestStore(t)

	since := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM error_logs").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.ErrorsSince(context.Background(), since)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
