package schedule

import (
	"time"

	"github.com/teranos/pulsecron/errors"
)

// ErrExecutionFinished is returned when an outcome is written for an
// execution that already reached a terminal status, typically one closed by
// stale recovery while its handler was still running.
var ErrExecutionFinished = errors.Wrap(errors.ErrConflict, "execution already finished")

// Execution records one dispatch of a job.
//
// Created running immediately before dispatch, then moved to exactly one
// terminal status. Never modified after that except by retention purge.
type Execution struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	ScheduledTime time.Time       `json:"scheduled_time"` // occurrence this execution answers for
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Status        ExecutionStatus `json:"status"`
	RetryAttempt  int             `json:"retry_attempt"` // 0-based
	DurationMs    *int64          `json:"duration_ms,omitempty"`
	Error         *string         `json:"error,omitempty"`
}

// ExecutionStatus is the state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionTimedOut
}

// complete moves the execution to a terminal status.
func (e *Execution) complete(status ExecutionStatus, at time.Time, errMsg string) {
	e.Status = status
	e.CompletedAt = &at
	d := at.Sub(e.StartedAt).Milliseconds()
	e.DurationMs = &d
	if errMsg != "" {
		e.Error = &errMsg
	}
}
