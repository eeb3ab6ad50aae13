package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/async"
	"github.com/teranos/pulsecron/pulse/cron"
)

func newTestManager(t *testing.T) (*Manager, *Store, *testClock) {
	t.Helper()
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	m := NewManager(store, cron.NewDefaultCache(), logger.Logger)
	m.now = clock.Now
	return m, store, clock
}

func TestManager_UnknownNames(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetByName(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.Enable(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.Disable(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.Trigger(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(m.Delete(ctx, "ghost")))

	execs, err := m.ListExecutions(ctx, "ghost", 10)
	require.NoError(t, err, "unknown job has an empty history")
	assert.NotNil(t, execs)
	assert.Empty(t, execs)
}

func TestManager_ListExecutionsRejectsBadLimit(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedRecurring(t, store, "cleanup", "0 0 * * * *", at(11, 0, 0))

	_, err := m.ListExecutions(context.Background(), "cleanup", 0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestManager_DisableThenEnableRecurring(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	seedRecurring(t, store, "cleanup", "0 0 * * * *", at(11, 0, 0))

	job, err := m.Disable(ctx, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, job.Status)
	assert.False(t, job.IsEnabled)
	assert.Nil(t, job.NextRunTime)

	clock.Set(at(13, 20, 0))
	job, err = m.Enable(ctx, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.True(t, job.IsEnabled)
	assert.True(t, job.NextRunTime.Equal(at(14, 0, 0)), "next occurrence is computed from now")

	stored := mustGet(t, store, "cleanup")
	assert.True(t, stored.NextRunTime.Equal(at(14, 0, 0)))
}

func TestManager_EnableOneTime(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	kept := seedOneTime(t, store, "keeps-time", at(12, 0, 0))
	kept.Status = StatusFailed
	kept.IsEnabled = false
	require.NoError(t, store.UpdateJob(ctx, kept))

	job, err := m.Enable(ctx, "keeps-time")
	require.NoError(t, err)
	assert.True(t, job.NextRunTime.Equal(at(12, 0, 0)))

	_, err = m.Disable(ctx, "keeps-time")
	require.NoError(t, err)
	job, err = m.Enable(ctx, "keeps-time")
	require.NoError(t, err)
	assert.True(t, job.NextRunTime.Equal(at(10, 15, 0)), "a one-time job without run time runs now")
}

func TestManager_TriggerDisabledJob(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	seedRecurring(t, store, "cleanup", "0 0 * * * *", at(11, 0, 0))
	_, err := m.Disable(ctx, "cleanup")
	require.NoError(t, err)

	job, err := m.Trigger(ctx, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.True(t, job.IsEnabled)
	assert.True(t, job.NextRunTime.Equal(at(10, 15, 0)))

	claimed, err := store.AcquireDueJobs(ctx, 10, "x")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "cleanup", claimed[0].Name)
}

func TestManager_ScheduleOnce(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ScheduleOnce(ctx, "past", at(10, 0, 0), "log", "")
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = m.ScheduleOnce(ctx, "now", at(10, 15, 0), "log", "")
	assert.True(t, errors.IsInvalidRequestError(err), "runAt == now is rejected")

	job, err := m.ScheduleOnce(ctx, "send-invoice", at(12, 0, 0), "log", `{"invoice":42}`)
	require.NoError(t, err)
	assert.Equal(t, JobTypeOneTime, job.Type)
	assert.False(t, job.SkipIfRunning)
	assert.Empty(t, job.RetryIntervals)
	assert.Equal(t, MisfireFireImmediately, job.Misfire)

	stored := mustGet(t, store, "send-invoice")
	assert.Equal(t, StatusPending, stored.Status)
	assert.True(t, stored.NextRunTime.Equal(at(12, 0, 0)))
	assert.Equal(t, `{"invoice":42}`, stored.Payload)
	assert.Equal(t, "log", stored.HandlerRef)

	_, err = m.ScheduleOnce(ctx, "send-invoice", at(13, 0, 0), "log", "")
	assert.True(t, errors.IsConflictError(err))
}

func TestManager_DeleteRemovesHistory(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	job := seedRecurring(t, store, "cleanup", "0 0 * * * *", at(11, 0, 0))
	require.NoError(t, store.CreateExecution(ctx, &Execution{
		ID: newID(), JobID: job.ID, ScheduledTime: at(10, 0, 0), StartedAt: at(10, 0, 0), Status: ExecutionSucceeded,
	}))

	execs, err := m.ListExecutions(ctx, "cleanup", 5)
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	require.NoError(t, m.Delete(ctx, "cleanup"))
	_, err = m.GetByName(ctx, "cleanup")
	assert.True(t, errors.IsNotFoundError(err))

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM job_executions`).Scan(&count))
	assert.Zero(t, count)
}

func TestManager_DeleteForgetsCachedHandler(t *testing.T) {
	m, store, _ := newTestManager(t)
	cache := NewFactoryCache()
	m.factories = cache
	ctx := context.Background()

	job := seedRecurring(t, store, "report", "0 0 * * * *", at(11, 0, 0))
	cache.store(factoryKey(job), async.Singleton(async.HandlerFunc(func(context.Context, *async.Message) error { return nil })))

	require.NoError(t, m.Delete(ctx, "report"))
	_, cached := cache.load(factoryKey(job))
	assert.False(t, cached, "a job recreated under this name must resolve its handler again")
}

func TestManager_ListJobs(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedOneTime(t, store, "b", at(12, 0, 0))
	seedOneTime(t, store, "a", at(12, 0, 0))

	jobs, err := m.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, time.UTC, jobs[0].DateCreated.Location())
}
