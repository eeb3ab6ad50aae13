package schedule

import (
	"context"
	"time"
)

// Storage persists jobs and their execution history.
//
// Store (SQLite) and pgstore.Store (PostgreSQL) implement it. Implementations
// must make AcquireDueJobs atomic across processes sharing the database: a
// due job is handed to at most one caller until its lock is cleared.
type Storage interface {
	// GetAllJobs returns every job ordered by name.
	GetAllJobs(ctx context.Context) ([]*Job, error)
	// GetJobByName returns *errors.NotFoundError for unknown names.
	GetJobByName(ctx context.Context, name string) (*Job, error)
	// GetNextScheduledJob returns the enabled pending job due soonest, or nil.
	GetNextScheduledJob(ctx context.Context) (*Job, error)

	// CreateJob inserts a new job. A duplicate name wraps errors.ErrConflict.
	CreateJob(ctx context.Context, job *Job) error
	// UpsertJob inserts or updates by name. On update the stored ID,
	// DateCreated, last-run data and lock fields are kept; an empty Payload
	// keeps the stored payload. job is refreshed from the stored row.
	UpsertJob(ctx context.Context, job *Job) error
	// UpdateJob writes every mutable field of the job with job.ID.
	UpdateJob(ctx context.Context, job *Job) error
	// DeleteJob removes the job with id and its execution history.
	DeleteJob(ctx context.Context, id string) error

	// GetExecutions returns the newest executions of a job first.
	GetExecutions(ctx context.Context, jobID string, limit int) ([]*Execution, error)
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, exec *Execution) error

	// AcquireDueJobs claims up to limit enabled pending jobs whose
	// NextRunTime has passed and that nobody holds, oldest first.
	AcquireDueJobs(ctx context.Context, limit int, holder string) ([]*Job, error)
	// ReleaseStaleJobs clears locks older than threshold.
	ReleaseStaleJobs(ctx context.Context, threshold time.Duration) (int64, error)
	// TimeoutStaleExecutions marks running executions older than threshold
	// as timed out.
	TimeoutStaleExecutions(ctx context.Context, threshold time.Duration) (int64, error)
	// PurgeExecutions deletes finished executions started before retention ago.
	PurgeExecutions(ctx context.Context, retention time.Duration) (int64, error)
	// GetStaleJobCount counts jobs locked longer than threshold plus enabled
	// pending jobs overdue by more than threshold.
	GetStaleJobCount(ctx context.Context, threshold time.Duration) (int64, error)
}
