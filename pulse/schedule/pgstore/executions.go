package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/pulse/schedule"
)

const executionColumns = `id, job_id, scheduled_time, started_at, completed_at,
	status, retry_attempt, duration_ms, error`

const staleExecutionError = "execution exceeded stale threshold; presumed crashed"

// CreateExecution records a new execution.
func (s *Store) CreateExecution(ctx context.Context, exec *schedule.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.JobID, exec.ScheduledTime.UTC(), exec.StartedAt.UTC(), exec.CompletedAt,
		string(exec.Status), exec.RetryAttempt, exec.DurationMs, exec.Error,
	)
	if err != nil {
		return errors.Wrapf(err, "pgstore: create execution %s", exec.ID)
	}
	return nil
}

// UpdateExecution writes the outcome of a running execution. Only the first
// terminal write lands; later ones get schedule.ErrExecutionFinished.
func (s *Store) UpdateExecution(ctx context.Context, exec *schedule.Execution) error {
	if !exec.Status.Terminal() {
		return errors.NewInvalidRequestError("execution %s: %q is not a terminal status", exec.ID, exec.Status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_executions
		SET completed_at = $2, status = $3, duration_ms = $4, error = $5
		WHERE id = $1 AND status = $6`,
		exec.ID, exec.CompletedAt, string(exec.Status), exec.DurationMs, exec.Error,
		string(schedule.ExecutionRunning),
	)
	if err != nil {
		return errors.Wrapf(err, "pgstore: update execution %s", exec.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM job_executions WHERE id = $1`, exec.ID).Scan(&status)
	if isNoRows(err) {
		return errors.NewNotFound("execution", exec.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "pgstore: read execution %s", exec.ID)
	}
	return errors.Wrapf(schedule.ErrExecutionFinished, "execution %s is %s", exec.ID, status)
}

// GetExecutions returns the newest executions of a job first.
func (s *Store) GetExecutions(ctx context.Context, jobID string, limit int) ([]*schedule.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "pgstore: list executions for job %s", jobID)
	}
	defer rows.Close()

	var executions []*schedule.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "pgstore: scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "pgstore: iterate executions")
	}
	return executions, nil
}

// TimeoutStaleExecutions closes running executions started more than
// threshold ago.
func (s *Store) TimeoutStaleExecutions(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $1,
		    completed_at = $2,
		    duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::BIGINT,
		    error = $3
		WHERE status = $4 AND started_at < $5`,
		string(schedule.ExecutionTimedOut), now, staleExecutionError,
		string(schedule.ExecutionRunning), now.Add(-threshold))
	if err != nil {
		return 0, errors.Wrap(err, "pgstore: time out stale executions")
	}
	return tag.RowsAffected(), nil
}

// PurgeExecutions deletes finished executions older than retention.
func (s *Store) PurgeExecutions(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_executions
		WHERE status <> $1 AND started_at < $2`,
		string(schedule.ExecutionRunning), s.now().UTC().Add(-retention))
	if err != nil {
		return 0, errors.Wrap(err, "pgstore: purge executions")
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (*schedule.Execution, error) {
	var exec schedule.Execution
	var status string

	err := row.Scan(&exec.ID, &exec.JobID, &exec.ScheduledTime, &exec.StartedAt, &exec.CompletedAt,
		&status, &exec.RetryAttempt, &exec.DurationMs, &exec.Error)
	if err != nil {
		return nil, err
	}

	exec.Status = schedule.ExecutionStatus(status)
	exec.ScheduledTime = exec.ScheduledTime.UTC()
	exec.StartedAt = exec.StartedAt.UTC()
	if exec.CompletedAt != nil {
		t := exec.CompletedAt.UTC()
		exec.CompletedAt = &t
	}
	return &exec, nil
}
