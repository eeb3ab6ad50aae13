package schedule

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/internal/util"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/cron"
)

// Manager is the operator surface over persisted jobs: listing, enabling,
// disabling, manual triggering, deletion and one-time scheduling.
// Unknown names yield *errors.NotFoundError.
type Manager struct {
	store     Storage
	cron      *cron.Cache
	factories *FactoryCache // optional; shared with the dispatcher
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFactoryCache lets Delete drop the dispatcher's cached handler factory
// so a job recreated under the same name resolves its handler afresh.
func WithFactoryCache(c *FactoryCache) ManagerOption {
	return func(m *Manager) { m.factories = c }
}

// NewManager creates a job manager.
func NewManager(store Storage, cache *cron.Cache, log *zap.SugaredLogger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		cron:   cache,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ListJobs returns every job ordered by name.
func (m *Manager) ListJobs(ctx context.Context) ([]*Job, error) {
	return m.store.GetAllJobs(ctx)
}

// GetByName returns one job.
func (m *Manager) GetByName(ctx context.Context, name string) (*Job, error) {
	return m.store.GetJobByName(ctx, name)
}

// ListExecutions returns up to limit executions of the named job, newest
// first. An unknown job has no history.
func (m *Manager) ListExecutions(ctx context.Context, name string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		return nil, errors.NewInvalidRequestError("limit must be positive, got %d", limit)
	}
	job, err := m.store.GetJobByName(ctx, name)
	if errors.IsNotFoundError(err) {
		return []*Execution{}, nil
	}
	if err != nil {
		return nil, err
	}
	execs, err := m.store.GetExecutions(ctx, job.ID, limit)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []*Execution{}
	}
	return execs, nil
}

// Enable makes the job pending again. A recurring job gets its next cron
// occurrence; a one-time job keeps its run time, or runs now if it has none.
func (m *Manager) Enable(ctx context.Context, name string) (*Job, error) {
	job, err := m.store.GetJobByName(ctx, name)
	if err != nil {
		return nil, err
	}

	now := m.now()
	job.Status = StatusPending
	job.IsEnabled = true

	if job.IsRecurring() {
		next, ok, err := m.cron.NextOccurrence(job.CronExpression, job.TimeZone, now)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s", name)
		}
		if !ok {
			return nil, errors.NewInvalidRequestError("job %s: cron expression has no future occurrence", name)
		}
		job.NextRunTime = &next
	} else if job.NextRunTime == nil {
		job.NextRunTime = util.Ptr(now)
	}

	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Infow("Job enabled", logger.FieldJobName, name, logger.FieldNextRunTime, job.NextRunTime)
	return job, nil
}

// Disable stops the job from being scheduled.
func (m *Manager) Disable(ctx context.Context, name string) (*Job, error) {
	job, err := m.store.GetJobByName(ctx, name)
	if err != nil {
		return nil, err
	}

	job.Status = StatusDisabled
	job.IsEnabled = false
	job.NextRunTime = nil

	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Infow("Job disabled", logger.FieldJobName, name)
	return job, nil
}

// Trigger makes the job due now, enabling it if needed.
func (m *Manager) Trigger(ctx context.Context, name string) (*Job, error) {
	job, err := m.store.GetJobByName(ctx, name)
	if err != nil {
		return nil, err
	}

	now := m.now()
	job.Status = StatusPending
	job.IsEnabled = true
	job.NextRunTime = util.Ptr(now)

	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Infow("Job triggered", logger.FieldJobName, name)
	return job, nil
}

// Delete removes the job together with its execution history.
func (m *Manager) Delete(ctx context.Context, name string) error {
	job, err := m.store.GetJobByName(ctx, name)
	if err != nil {
		return err
	}
	if err := m.store.DeleteJob(ctx, job.ID); err != nil {
		return err
	}
	if m.factories != nil {
		m.factories.Forget(name)
	}
	m.logger.Infow("Job deleted", logger.FieldJobName, name, logger.FieldJobID, job.ID)
	return nil
}

// ScheduleOnce creates a one-time job running at runAt. The job has no
// retries and never skips.
func (m *Manager) ScheduleOnce(ctx context.Context, name string, runAt time.Time, handlerRef, payload string) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewInvalidRequestError("job name cannot be empty")
	}
	now := m.now()
	if !runAt.After(now) {
		return nil, errors.NewInvalidRequestError("run time %s is not in the future", runAt.UTC().Format(time.RFC3339))
	}

	runAt = runAt.UTC()
	job := &Job{
		ID:          newID(),
		Name:        name,
		Type:        JobTypeOneTime,
		Status:      StatusPending,
		NextRunTime: &runAt,
		IsEnabled:   true,
		Misfire:     MisfireFireImmediately,
		Payload:     payload,
		HandlerRef:  handlerRef,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Infow("One-time job scheduled",
		logger.FieldJobName, name,
		logger.FieldNextRunTime, runAt,
		logger.FieldHandler, handlerRef)
	return job, nil
}
