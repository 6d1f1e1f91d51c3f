// Package postgres provides the Postgres-backed persistent store for
// jobs, daily statistics, settings and error logs. A single Store
// instance owns the connection pool; every public method is one
// self-contained logical operation, which gives the rest of the system
// its single-writer discipline.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclip/clipd/internal/pipeline"
)

// ErrJobNotFound aliases the pipeline sentinel so callers holding only
// this package can still match it.
var ErrJobNotFound = pipeline.ErrJobNotFound

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            BIGSERIAL PRIMARY KEY,
	url           TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	priority      INTEGER NOT NULL DEFAULT 5,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	metadata      JSONB,
	UNIQUE (url, status)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS videos (
	id              BIGSERIAL PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	video_id        TEXT,
	title           TEXT,
	processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	clips_found     INTEGER NOT NULL DEFAULT 0,
	clips_processed INTEGER NOT NULL DEFAULT 0,
	processing_time DOUBLE PRECISION,
	status          TEXT,
	metadata        JSONB
);

CREATE TABLE IF NOT EXISTS daily_statistics (
	id                    BIGSERIAL PRIMARY KEY,
	date                  DATE NOT NULL UNIQUE,
	videos_processed      INTEGER NOT NULL DEFAULT 0,
	clips_created         INTEGER NOT NULL DEFAULT 0,
	uploads_successful    INTEGER NOT NULL DEFAULT 0,
	uploads_failed        INTEGER NOT NULL DEFAULT 0,
	errors_count          INTEGER NOT NULL DEFAULT 0,
	total_processing_time DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS error_logs (
	id            BIGSERIAL PRIMARY KEY,
	job_id        BIGINT,
	error_type    TEXT,
	error_message TEXT,
	occurred_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_error_logs_occurred ON error_logs (occurred_at);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is the durable backing for the queue, statistics, settings and
// error-log surfaces.
type Store struct {
	pool pool
}

// New connects to Postgres using the provided config and initializes
// the schema if needed.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p}
	if err := s.migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing). No schema migration is performed.
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// --- jobs ---

// AddJob inserts a pending job, or returns the id of the existing
// pending job for the same URL. The UNIQUE(url, status) constraint
// makes this an insert-or-fetch; it never fails on a duplicate.
func (s *Store) AddJob(ctx context.Context, url string, priority, maxRetries int, metadata map[string]any) (int64, error) {
	var metaJSON []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO jobs (url, status, priority, max_retries, metadata)
VALUES ($1, 'pending', $2, $3, $4)
ON CONFLICT (url, status) DO NOTHING
RETURNING id`, url, priority, maxRetries, metaJSON).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	// Conflict path: fetch the existing pending job for this URL.
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM jobs WHERE url = $1 AND status = 'pending'`, url).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("fetch existing pending job: %w", err)
	}
	return id, nil
}

const jobColumns = `id, url, status, priority, created_at, started_at, completed_at,
	COALESCE(error_message, ''), retry_count, max_retries, metadata`

// NextJob returns the pending job with highest priority, FIFO within a
// priority tier. It returns (nil, nil) when the queue is empty and
// never mutates state.
func (s *Store) NextJob(ctx context.Context) (*pipeline.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'pending'
ORDER BY priority DESC, created_at ASC
LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*pipeline.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SetJobProcessing transitions a job to processing and stamps started_at.
func (s *Store) SetJobProcessing(ctx context.Context, id int64) error {
	return s.updateStatus(ctx, id,
		`UPDATE jobs SET status = 'processing', started_at = NOW() WHERE id = $1`)
}

// SetJobCompleted transitions a job to completed and stamps completed_at.
func (s *Store) SetJobCompleted(ctx context.Context, id int64) error {
	return s.updateStatus(ctx, id,
		`UPDATE jobs SET status = 'completed', completed_at = NOW() WHERE id = $1`)
}

// SetJobFailed transitions a job to failed, recording the reason.
func (s *Store) SetJobFailed(ctx context.Context, id int64, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', completed_at = NOW(), error_message = $2 WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RetryJob resets a job to pending and increments its retry counter.
// created_at is left untouched so the job keeps its FIFO position
// within its priority tier.
func (s *Store) RetryJob(ctx context.Context, id int64) error {
	return s.updateStatus(ctx, id,
		`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1 WHERE id = $1`)
}

func (s *Store) updateStatus(ctx context.Context, id int64, query string) error {
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CountJobs returns the number of jobs in the given status.
func (s *Store) CountJobs(ctx context.Context, status pipeline.JobStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// JobsCreatedSince counts jobs created at or after the given instant.
func (s *Store) JobsCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE created_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent jobs: %w", err)
	}
	return n, nil
}

// RecentJobs returns the most recently created jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]pipeline.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	return collectJobs(rows)
}

// RecentFailedJobs returns recently failed jobs, most recent first.
func (s *Store) RecentFailedJobs(ctx context.Context, limit int) ([]pipeline.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'failed'
ORDER BY completed_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent failed jobs: %w", err)
	}
	return collectJobs(rows)
}

// --- videos ---

// AddVideoRecord upserts the processing-history row for a video URL.
func (s *Store) AddVideoRecord(ctx context.Context, rec pipeline.VideoRecord) error {
	var metaJSON []byte
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal video metadata: %w", err)
		}
		metaJSON = b
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO videos (url, video_id, title, clips_found, clips_processed, processing_time, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url) DO UPDATE SET
	video_id = EXCLUDED.video_id,
	title = EXCLUDED.title,
	processed_at = NOW(),
	clips_found = EXCLUDED.clips_found,
	clips_processed = EXCLUDED.clips_processed,
	processing_time = EXCLUDED.processing_time,
	status = EXCLUDED.status,
	metadata = EXCLUDED.metadata`,
		rec.URL, rec.VideoID, rec.Title, rec.ClipsFound, rec.ClipsProcessed,
		rec.ProcessingTime.Seconds(), rec.Status, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert video record: %w", err)
	}
	return nil
}

// --- daily statistics ---

// AddDailyStats adds the given deltas to the row for the given date,
// creating the row if needed. Counters are only ever incremented.
func (s *Store) AddDailyStats(ctx context.Context, date string, delta pipeline.DailyStats) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO daily_statistics
	(date, videos_processed, clips_created, uploads_successful, uploads_failed, errors_count, total_processing_time)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (date) DO UPDATE SET
	videos_processed = daily_statistics.videos_processed + EXCLUDED.videos_processed,
	clips_created = daily_statistics.clips_created + EXCLUDED.clips_created,
	uploads_successful = daily_statistics.uploads_successful + EXCLUDED.uploads_successful,
	uploads_failed = daily_statistics.uploads_failed + EXCLUDED.uploads_failed,
	errors_count = daily_statistics.errors_count + EXCLUDED.errors_count,
	total_processing_time = daily_statistics.total_processing_time + EXCLUDED.total_processing_time`,
		date, delta.VideosProcessed, delta.ClipsCreated, delta.UploadsSuccessful,
		delta.UploadsFailed, delta.ErrorsCount, delta.ProcessingSeconds)
	if err != nil {
		return fmt.Errorf("upsert daily statistics: %w", err)
	}
	return nil
}

// StatisticsSince returns daily statistics rows for the last N days,
// newest first.
func (s *Store) StatisticsSince(ctx context.Context, days int) ([]pipeline.DailyStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT date::text, videos_processed, clips_created, uploads_successful,
	uploads_failed, errors_count, total_processing_time
FROM daily_statistics
WHERE date >= CURRENT_DATE - $1::int
ORDER BY date DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DailyStats
	for rows.Next() {
		var st pipeline.DailyStats
		if err := rows.Scan(&st.Date, &st.VideosProcessed, &st.ClipsCreated,
			&st.UploadsSuccessful, &st.UploadsFailed, &st.ErrorsCount,
			&st.ProcessingSeconds); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

// --- settings ---

// GetSetting unmarshals the setting value into out. It returns false
// when the key does not exist, leaving out untouched.
func (s *Store) GetSetting(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get setting %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode setting %q: %w", key, err)
	}
	return true, nil
}

// SetSetting stores the JSON-encoded value under key, replacing any
// previous value.
func (s *Store) SetSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %q: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO settings (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// UploadHistory returns the upload-attempt ledger stored under key.
// A missing key is an empty ledger.
func (s *Store) UploadHistory(ctx context.Context, key string) ([]pipeline.UploadRecord, error) {
	var records []pipeline.UploadRecord
	if _, err := s.GetSetting(ctx, key, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AppendUpload appends one record to the ledger under key. The
// read-modify-write happens inside a transaction with the settings row
// locked, so two concurrent appenders cannot interleave.
func (s *Store) AppendUpload(ctx context.Context, key string, rec pipeline.UploadRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append upload: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1 FOR UPDATE`, key).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock ledger %q: %w", key, err)
	}

	var records []pipeline.UploadRecord
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("decode ledger %q: %w", key, err)
		}
	}
	records = append(records, rec)

	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode ledger %q: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO settings (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, encoded); err != nil {
		return fmt.Errorf("write ledger %q: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append upload: %w", err)
	}
	return nil
}

// --- error log ---

// LogError appends one entry to the error log. jobID may be nil for
// errors not tied to a job.
func (s *Store) LogError(ctx context.Context, jobID *int64, errType, message string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO error_logs (job_id, error_type, error_message)
VALUES ($1, $2, $3)`, jobID, errType, message)
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}
	return nil
}

// RecentErrors returns the newest error-log entries, most recent first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]pipeline.ErrorLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, job_id, error_type, error_message, occurred_at
FROM error_logs
ORDER BY occurred_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ErrorLogEntry
	for rows.Next() {
		var e pipeline.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Message, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error log: %w", err)
	}
	return out, nil
}

// ErrorsSince counts error-log entries at or after the given instant.
func (s *Store) ErrorsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM error_logs WHERE occurred_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent errors: %w", err)
	}
	return n, nil
}

// --- scanning ---

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*pipeline.Job, error) {
	var (
		job      pipeline.Job
		status   string
		metaJSON []byte
	)
	err := row.Scan(&job.ID, &job.URL, &status, &job.Priority, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ErrorMessage,
		&job.RetryCount, &job.MaxRetries, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = pipeline.JobStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]pipeline.Job, error) {
	defer rows.Close()
	var jobs []pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
