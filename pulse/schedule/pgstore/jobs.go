package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/pulse/schedule"
)

const jobColumns = `id, name, job_type, cron_expression, time_zone, status,
	next_run_time, last_run_time, last_run_duration_ms, retry_count, retry_intervals,
	skip_if_running, is_enabled, lock_holder, locked_at, misfire_strategy,
	timeout_ms, payload, handler_ref, date_created, date_updated`

const jobPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
	$12, $13, $14, $15, $16, $17, $18, $19, $20, $21`

// GetAllJobs returns every job ordered by name.
func (s *Store) GetAllJobs(ctx context.Context) ([]*schedule.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "pgstore: list jobs")
	}
	return collectJobs(rows)
}

// GetJobByName returns the job called name.
func (s *Store) GetJobByName(ctx context.Context, name string) (*schedule.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = $1`, name)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, errors.NewNotFound("job", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pgstore: get job %s", name)
	}
	return job, nil
}

// GetNextScheduledJob returns the enabled pending job due soonest.
func (s *Store) GetNextScheduledJob(ctx context.Context) (*schedule.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE is_enabled AND status = $1 AND next_run_time IS NOT NULL
		ORDER BY next_run_time ASC
		LIMIT 1`, string(schedule.StatusPending))
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pgstore: get next scheduled job")
	}
	return job, nil
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *schedule.Job) error {
	now := s.now().UTC()
	job.DateCreated, job.DateUpdated = now, now

	_, err := s.pool.Exec(ctx, `INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (`+jobPlaceholders+`)`,
		jobArgs(job)...)
	if isDuplicateKey(err) {
		return errors.NewConflictError("job %s already exists", job.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "pgstore: create job %s", job.Name)
	}
	return nil
}

// UpsertJob inserts or updates the job by name.
func (s *Store) UpsertJob(ctx context.Context, job *schedule.Job) error {
	now := s.now().UTC()
	job.DateCreated, job.DateUpdated = now, now

	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (`+jobPlaceholders+`)
		ON CONFLICT (name) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			cron_expression = EXCLUDED.cron_expression,
			time_zone = EXCLUDED.time_zone,
			status = EXCLUDED.status,
			next_run_time = EXCLUDED.next_run_time,
			retry_count = EXCLUDED.retry_count,
			retry_intervals = EXCLUDED.retry_intervals,
			skip_if_running = EXCLUDED.skip_if_running,
			is_enabled = EXCLUDED.is_enabled,
			misfire_strategy = EXCLUDED.misfire_strategy,
			timeout_ms = EXCLUDED.timeout_ms,
			payload = CASE WHEN EXCLUDED.payload <> '' THEN EXCLUDED.payload ELSE scheduled_jobs.payload END,
			handler_ref = EXCLUDED.handler_ref,
			date_updated = EXCLUDED.date_updated
		RETURNING `+jobColumns, jobArgs(job)...)

	stored, err := scanJob(row)
	if err != nil {
		return errors.Wrapf(err, "pgstore: upsert job %s", job.Name)
	}
	*job = *stored
	return nil
}

// UpdateJob writes every mutable field of the job.
func (s *Store) UpdateJob(ctx context.Context, job *schedule.Job) error {
	job.DateUpdated = s.now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET
			job_type = $2, cron_expression = $3, time_zone = $4, status = $5,
			next_run_time = $6, last_run_time = $7, last_run_duration_ms = $8,
			retry_count = $9, retry_intervals = $10, skip_if_running = $11, is_enabled = $12,
			lock_holder = $13, locked_at = $14, misfire_strategy = $15, timeout_ms = $16,
			payload = $17, handler_ref = $18, date_updated = $19
		WHERE id = $1`,
		job.ID, string(job.Type), job.CronExpression, job.TimeZone, string(job.Status),
		job.NextRunTime, job.LastRunTime, job.LastRunDurationMs,
		job.RetryCount, toMillis(job.RetryIntervals), job.SkipIfRunning, job.IsEnabled,
		job.LockHolder, job.LockedAt, misfire(job), timeoutMillis(job.Timeout),
		job.Payload, job.HandlerRef, job.DateUpdated,
	)
	if err != nil {
		return errors.Wrapf(err, "pgstore: update job %s", job.Name)
	}
	return requireAffected(tag, "job", job.ID)
}

// DeleteJob removes the job; executions cascade.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "pgstore: delete job %s", id)
	}
	return requireAffected(tag, "job", id)
}

// AcquireDueJobs claims due jobs for holder. Rows locked by a concurrent
// claim are skipped rather than waited for.
func (s *Store) AcquireDueJobs(ctx context.Context, limit int, holder string) ([]*schedule.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE scheduled_jobs
			SET lock_holder = $1, locked_at = $2, date_updated = $2
			WHERE id IN (
				SELECT id FROM scheduled_jobs
				WHERE is_enabled
				  AND status = $3
				  AND next_run_time IS NOT NULL
				  AND next_run_time <= $2
				  AND lock_holder IS NULL
				ORDER BY next_run_time ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY next_run_time ASC, name ASC`,
		holder, now, string(schedule.StatusPending), limit)
	if err != nil {
		return nil, errors.Wrap(err, "pgstore: acquire due jobs")
	}
	return collectJobs(rows)
}

// ReleaseStaleJobs clears claims older than threshold.
func (s *Store) ReleaseStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET lock_holder = NULL, locked_at = NULL, date_updated = $1
		WHERE locked_at IS NOT NULL AND locked_at < $2`,
		now, now.Add(-threshold))
	if err != nil {
		return 0, errors.Wrap(err, "pgstore: release stale jobs")
	}
	return tag.RowsAffected(), nil
}

// GetStaleJobCount counts stuck claims and overdue jobs.
func (s *Store) GetStaleJobCount(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-threshold)
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_jobs
		WHERE (locked_at IS NOT NULL AND locked_at < $1)
		   OR (is_enabled AND status = $2 AND lock_holder IS NULL
		       AND next_run_time IS NOT NULL AND next_run_time < $1)`,
		cutoff, string(schedule.StatusPending)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "pgstore: count stale jobs")
	}
	return count, nil
}

func scanJob(row pgx.Row) (*schedule.Job, error) {
	var job schedule.Job
	var jobType, status, misfire string
	var retry []int64
	var timeout *int64

	err := row.Scan(
		&job.ID, &job.Name, &jobType, &job.CronExpression, &job.TimeZone, &status,
		&job.NextRunTime, &job.LastRunTime, &job.LastRunDurationMs, &job.RetryCount, &retry,
		&job.SkipIfRunning, &job.IsEnabled, &job.LockHolder, &job.LockedAt, &misfire,
		&timeout, &job.Payload, &job.HandlerRef, &job.DateCreated, &job.DateUpdated,
	)
	if err != nil {
		return nil, err
	}

	job.Type = schedule.JobType(jobType)
	job.Status = schedule.Status(status)
	job.Misfire = schedule.MisfireStrategy(misfire)
	job.RetryIntervals = fromMillis(retry)
	if timeout != nil {
		job.Timeout = time.Duration(*timeout) * time.Millisecond
	}
	job.DateCreated = job.DateCreated.UTC()
	job.DateUpdated = job.DateUpdated.UTC()
	for _, t := range []*time.Time{job.NextRunTime, job.LastRunTime, job.LockedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*schedule.Job, error) {
	defer rows.Close()

	var jobs []*schedule.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "pgstore: scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "pgstore: iterate jobs")
	}
	return jobs, nil
}

func jobArgs(job *schedule.Job) []interface{} {
	return []interface{}{
		job.ID, job.Name, string(job.Type), job.CronExpression, job.TimeZone, string(job.Status),
		job.NextRunTime, job.LastRunTime, job.LastRunDurationMs, job.RetryCount, toMillis(job.RetryIntervals),
		job.SkipIfRunning, job.IsEnabled, job.LockHolder, job.LockedAt, misfire(job),
		timeoutMillis(job.Timeout), job.Payload, job.HandlerRef, job.DateCreated, job.DateUpdated,
	}
}

func misfire(job *schedule.Job) string {
	if job.Misfire == "" {
		return string(schedule.MisfireFireImmediately)
	}
	return string(job.Misfire)
}

func toMillis(ds []time.Duration) []int64 {
	ms := make([]int64, len(ds))
	for i, d := range ds {
		ms[i] = d.Milliseconds()
	}
	return ms
}

func fromMillis(ms []int64) []time.Duration {
	if len(ms) == 0 {
		return nil
	}
	ds := make([]time.Duration, len(ms))
	for i, m := range ms {
		ds[i] = time.Duration(m) * time.Millisecond
	}
	return ds
}

func timeoutMillis(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func requireAffected(tag pgconn.CommandTag, kind, key string) error {
	if tag.RowsAffected() == 0 {
		return errors.NewNotFound(kind, key)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks for a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
