package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/pulsecron/errors"
)

const executionColumns = `id, job_id, scheduled_time, started_at, completed_at,
	status, retry_attempt, duration_ms, error`

// staleExecutionError is recorded on executions closed by recovery.
const staleExecutionError = "execution exceeded stale threshold; presumed crashed"

// CreateExecution records a new execution.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, formatTime(exec.ScheduledTime), formatTime(exec.StartedAt),
		nullTime(exec.CompletedAt), exec.Status, exec.RetryAttempt,
		nullInt64(exec.DurationMs), nullString(exec.Error),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution %s", exec.ID)
	}
	return nil
}

// UpdateExecution writes the outcome of a running execution. Only the first
// terminal write lands; later ones get ErrExecutionFinished.
func (s *Store) UpdateExecution(ctx context.Context, exec *Execution) error {
	if !exec.Status.Terminal() {
		return errors.NewInvalidRequestError("execution %s: %q is not a terminal status", exec.ID, exec.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET completed_at = ?, status = ?, duration_ms = ?, error = ?
		WHERE id = ? AND status = ?`,
		nullTime(exec.CompletedAt), exec.Status, nullInt64(exec.DurationMs),
		nullString(exec.Error), exec.ID, ExecutionRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update execution %s", exec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return s.finishedOrMissing(ctx, exec.ID)
	}
	return nil
}

// finishedOrMissing explains why an outcome write matched no row.
func (s *Store) finishedOrMissing(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM job_executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFound("execution", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read execution %s", id)
	}
	return errors.Wrapf(ErrExecutionFinished, "execution %s is %s", id, status)
}

// GetExecutions returns the newest executions of a job first.
func (s *Store) GetExecutions(ctx context.Context, jobID string, limit int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM job_executions
		WHERE job_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions for job %s", jobID)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return executions, nil
}

// TimeoutStaleExecutions closes running executions started more than
// threshold ago. Their jobs are released separately by ReleaseStaleJobs.
func (s *Store) TimeoutStaleExecutions(ctx context.Context, threshold time.Duration) (int64, error) {
	now := formatTime(s.now())
	cutoff := formatTime(s.now().Add(-threshold))
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = CAST(ROUND((julianday(?) - julianday(started_at)) * 86400000) AS INTEGER),
		    error = ?
		WHERE status = ? AND started_at < ?`,
		ExecutionTimedOut, now, now, staleExecutionError, ExecutionRunning, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to time out stale executions")
	}
	return res.RowsAffected()
}

// PurgeExecutions deletes finished executions older than retention.
func (s *Store) PurgeExecutions(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_executions
		WHERE status <> ? AND started_at < ?`,
		ExecutionRunning, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge executions")
	}
	return res.RowsAffected()
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var status, scheduled, started string
	var completed, errMsg sql.NullString
	var duration sql.NullInt64

	err := row.Scan(&exec.ID, &exec.JobID, &scheduled, &started, &completed,
		&status, &exec.RetryAttempt, &duration, &errMsg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan execution")
	}

	exec.Status = ExecutionStatus(status)
	if exec.ScheduledTime, err = parseTime(scheduled); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_time for execution %s", exec.ID)
	}
	if exec.StartedAt, err = parseTime(started); err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for execution %s", exec.ID)
	}
	if exec.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse completed_at for execution %s", exec.ID)
	}
	if duration.Valid {
		exec.DurationMs = &duration.Int64
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	return &exec, nil
}
