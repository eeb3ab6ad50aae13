package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/pulsecron/errors"
)

// timeLayout is fixed width so stored timestamps sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

const jobColumns = `id, name, job_type, cron_expression, time_zone, status,
	next_run_time, last_run_time, last_run_duration_ms, retry_count, retry_intervals,
	skip_if_running, is_enabled, lock_holder, locked_at, misfire_strategy,
	timeout_ms, payload, handler_ref, date_created, date_updated`

// Store is the SQLite Storage.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over a migrated SQLite database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying handle (health checks, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetAllJobs returns every job ordered by name.
func (s *Store) GetAllJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	return collectJobs(rows)
}

// GetJobByName returns the job called name.
func (s *Store) GetJobByName(ctx context.Context, name string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = ?`, name)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("job", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", name)
	}
	return job, nil
}

// GetNextScheduledJob returns the enabled pending job due soonest.
func (s *Store) GetNextScheduledJob(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE is_enabled = 1 AND status = ? AND next_run_time IS NOT NULL
		ORDER BY next_run_time ASC
		LIMIT 1`, StatusPending)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return job, nil
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	now := s.now().UTC()
	job.DateCreated, job.DateUpdated = now, now

	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err) {
		return errors.NewConflictError("job %s already exists", job.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.Name)
	}
	return nil
}

// UpsertJob inserts or updates the job by name.
func (s *Store) UpsertJob(ctx context.Context, job *Job) error {
	now := s.now().UTC()
	job.DateCreated, job.DateUpdated = now, now

	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			job_type = excluded.job_type,
			cron_expression = excluded.cron_expression,
			time_zone = excluded.time_zone,
			status = excluded.status,
			next_run_time = excluded.next_run_time,
			retry_count = excluded.retry_count,
			retry_intervals = excluded.retry_intervals,
			skip_if_running = excluded.skip_if_running,
			is_enabled = excluded.is_enabled,
			misfire_strategy = excluded.misfire_strategy,
			timeout_ms = excluded.timeout_ms,
			payload = CASE WHEN excluded.payload <> '' THEN excluded.payload ELSE scheduled_jobs.payload END,
			handler_ref = excluded.handler_ref,
			date_updated = excluded.date_updated
		RETURNING `+jobColumns, args...)

	stored, err := scanJob(row)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert job %s", job.Name)
	}
	*job = *stored
	return nil
}

// UpdateJob writes every mutable field of the job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	job.DateUpdated = s.now().UTC()

	retry, err := json.Marshal(durationsToMillis(job.RetryIntervals))
	if err != nil {
		return errors.Wrap(err, "failed to encode retry intervals")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			job_type = ?, cron_expression = ?, time_zone = ?, status = ?,
			next_run_time = ?, last_run_time = ?, last_run_duration_ms = ?,
			retry_count = ?, retry_intervals = ?, skip_if_running = ?, is_enabled = ?,
			lock_holder = ?, locked_at = ?, misfire_strategy = ?, timeout_ms = ?,
			payload = ?, handler_ref = ?, date_updated = ?
		WHERE id = ?`,
		job.Type, job.CronExpression, job.TimeZone, job.Status,
		nullTime(job.NextRunTime), nullTime(job.LastRunTime), nullInt64(job.LastRunDurationMs),
		job.RetryCount, string(retry), job.SkipIfRunning, job.IsEnabled,
		nullString(job.LockHolder), nullTime(job.LockedAt), job.Misfire, timeoutMillis(job.Timeout),
		job.Payload, job.HandlerRef, formatTime(job.DateUpdated),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.Name)
	}
	return requireAffected(res, "job", job.ID)
}

// DeleteJob removes the job; executions cascade.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	return requireAffected(res, "job", id)
}

// AcquireDueJobs claims due jobs for holder in a single statement. SQLite
// serializes writers, so two instances can never claim the same row.
func (s *Store) AcquireDueJobs(ctx context.Context, limit int, holder string) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := formatTime(s.now())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_jobs
		SET lock_holder = ?, locked_at = ?, date_updated = ?
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE is_enabled = 1
			  AND status = ?
			  AND next_run_time IS NOT NULL
			  AND next_run_time <= ?
			  AND lock_holder IS NULL
			ORDER BY next_run_time ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		holder, now, now, StatusPending, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire due jobs")
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sortDue(jobs)
	return jobs, nil
}

// ReleaseStaleJobs clears claims older than threshold.
func (s *Store) ReleaseStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET lock_holder = NULL, locked_at = NULL, date_updated = ?
		WHERE locked_at IS NOT NULL AND locked_at < ?`,
		formatTime(now), formatTime(now.Add(-threshold)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale jobs")
	}
	return res.RowsAffected()
}

// GetStaleJobCount counts stuck claims and overdue jobs.
func (s *Store) GetStaleJobCount(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-threshold))
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_jobs
		WHERE (locked_at IS NOT NULL AND locked_at < ?)
		   OR (is_enabled = 1 AND status = ? AND lock_holder IS NULL
		       AND next_run_time IS NOT NULL AND next_run_time < ?)`,
		cutoff, StatusPending, cutoff).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count stale jobs")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var jobType, status, misfire, retry, created, updated string
	var next, last, holder, lockedAt sql.NullString
	var lastDuration, timeout sql.NullInt64

	err := row.Scan(
		&job.ID, &job.Name, &jobType, &job.CronExpression, &job.TimeZone, &status,
		&next, &last, &lastDuration, &job.RetryCount, &retry,
		&job.SkipIfRunning, &job.IsEnabled, &holder, &lockedAt, &misfire,
		&timeout, &job.Payload, &job.HandlerRef, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	job.Type = JobType(jobType)
	job.Status = Status(status)
	job.Misfire = MisfireStrategy(misfire)

	if job.NextRunTime, err = parseNullTime(next); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_time for job %s", job.Name)
	}
	if job.LastRunTime, err = parseNullTime(last); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_run_time for job %s", job.Name)
	}
	if job.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse locked_at for job %s", job.Name)
	}
	if job.DateCreated, err = parseTime(created); err != nil {
		return nil, errors.Wrapf(err, "failed to parse date_created for job %s", job.Name)
	}
	if job.DateUpdated, err = parseTime(updated); err != nil {
		return nil, errors.Wrapf(err, "failed to parse date_updated for job %s", job.Name)
	}
	if holder.Valid {
		job.LockHolder = &holder.String
	}
	if lastDuration.Valid {
		job.LastRunDurationMs = &lastDuration.Int64
	}
	if timeout.Valid {
		job.Timeout = time.Duration(timeout.Int64) * time.Millisecond
	}

	var ms []int64
	if err := json.Unmarshal([]byte(retry), &ms); err != nil {
		return nil, errors.Wrapf(err, "failed to parse retry_intervals for job %s", job.Name)
	}
	job.RetryIntervals = millisToDurations(ms)

	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// jobArgs returns the insert arguments in jobColumns order.
func jobArgs(job *Job) ([]interface{}, error) {
	retry, err := json.Marshal(durationsToMillis(job.RetryIntervals))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode retry intervals")
	}
	misfire := job.Misfire
	if misfire == "" {
		misfire = MisfireFireImmediately
	}
	return []interface{}{
		job.ID, job.Name, job.Type, job.CronExpression, job.TimeZone, job.Status,
		nullTime(job.NextRunTime), nullTime(job.LastRunTime), nullInt64(job.LastRunDurationMs),
		job.RetryCount, string(retry), job.SkipIfRunning, job.IsEnabled,
		nullString(job.LockHolder), nullTime(job.LockedAt), misfire,
		timeoutMillis(job.Timeout), job.Payload, job.HandlerRef,
		formatTime(job.DateCreated), formatTime(job.DateUpdated),
	}, nil
}

// sortDue orders claimed jobs by NextRunTime, then name.
func sortDue(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].NextRunTime, jobs[k].NextRunTime
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return jobs[i].Name < jobs[k].Name
	})
}

func requireAffected(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFound(kind, key)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func timeoutMillis(d time.Duration) interface{} {
	if d <= 0 {
		return nil
	}
	return d.Milliseconds()
}
