package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/cron"
)

type mapOverrides map[string]string

func (m mapOverrides) CronOverride(name string) (string, bool) {
	expr, ok := m[name]
	return expr, ok
}

func newTestReconciler(store *Store, reg *Registry, clock *testClock, overrides CronOverrides) *Reconciler {
	r := NewReconciler(store, reg, cron.NewDefaultCache(), overrides, logger.Logger)
	r.now = clock.Now
	return r
}

func TestRegistry_Add(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Add(Definition{Name: " cleanup ", CronExpression: "0 0 * * * *"}))
	assert.True(t, reg.Has("cleanup"), "names are trimmed")

	err := reg.Add(Definition{Name: "cleanup"})
	assert.True(t, errors.IsConflictError(err))

	assert.True(t, errors.IsInvalidRequestError(reg.Add(Definition{Name: ""})))
	assert.True(t, errors.IsInvalidRequestError(reg.Add(Definition{Name: "bad-misfire", Misfire: "catch_up"})))
	assert.True(t, errors.IsInvalidRequestError(reg.Add(Definition{Name: "neg", RetryIntervals: []time.Duration{-time.Second}})))

	require.NoError(t, reg.Add(Definition{Name: "second"}))
	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "cleanup", defs[0].Name)
	assert.Equal(t, MisfireFireImmediately, defs[0].Misfire, "empty misfire defaults")
	assert.Equal(t, "second", defs[1].Name)

	defs[0].Name = "mutated"
	assert.Equal(t, "cleanup", reg.Definitions()[0].Name, "Definitions returns a copy")
}

func TestReconcile_HourlyExample(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "cleanup", CronExpression: "0 0 * * * *"})

	report, err := newTestReconciler(store, reg, clock, nil).Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"cleanup"}, report.Upserted)

	job := mustGet(t, store, "cleanup")
	assert.Equal(t, JobTypeRecurring, job.Type)
	assert.Equal(t, StatusPending, job.Status)
	assert.True(t, job.IsEnabled)
	assert.Equal(t, 0, job.RetryCount)
	require.NotNil(t, job.NextRunTime)
	assert.True(t, job.NextRunTime.Equal(at(11, 0, 0)))
}

func TestReconcile_IsIdempotent(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "cleanup", CronExpression: "0 0 * * * *", Payload: "v1"})
	r := newTestReconciler(store, reg, clock, nil)

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	first := mustGet(t, store, "cleanup")

	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	second := mustGet(t, store, "cleanup")

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.NextRunTime.Equal(*second.NextRunTime))
	assert.Equal(t, "v1", second.Payload)

	jobs, err := store.GetAllJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestReconcile_ResetsFailedJob(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()

	job := seedRecurring(t, store, "cleanup", "0 0 * * * *", at(9, 0, 0))
	job.Status = StatusDisabled
	job.IsEnabled = false
	job.NextRunTime = nil
	job.RetryCount = 4
	require.NoError(t, store.UpdateJob(ctx, job))

	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "cleanup", CronExpression: "0 0 * * * *"})
	_, err := newTestReconciler(store, reg, clock, nil).Reconcile(ctx)
	require.NoError(t, err)

	got := mustGet(t, store, "cleanup")
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.IsEnabled)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.NextRunTime.Equal(at(11, 0, 0)))
}

func TestReconcile_DisablesOrphanedRecurringJobs(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedRecurring(t, store, "retired", "0 0 * * * *", at(11, 0, 0))
	seedOneTime(t, store, "adhoc", at(12, 0, 0))

	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "current", CronExpression: "0 */5 * * * *"})

	report, err := newTestReconciler(store, reg, clock, nil).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"retired"}, report.Disabled)

	retired := mustGet(t, store, "retired")
	assert.Equal(t, StatusDisabled, retired.Status)
	assert.False(t, retired.IsEnabled)
	assert.Nil(t, retired.NextRunTime)

	adhoc := mustGet(t, store, "adhoc")
	assert.Equal(t, StatusPending, adhoc.Status, "one-time jobs are never touched")
	assert.True(t, adhoc.IsEnabled)

	current := mustGet(t, store, "current")
	assert.True(t, current.NextRunTime.Equal(at(10, 20, 0)))
}

func TestReconcile_CronOverride(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "cleanup", CronExpression: "0 0 * * * *"})
	mustAdd(t, reg, Definition{Name: "report", CronExpression: "0 0 * * * *"})

	overrides := mapOverrides{
		"cleanup": "0  30   * * * *",
		"report":  "not a cron",
	}
	report, err := newTestReconciler(store, reg, clock, overrides).Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "an invalid override is discarded, not fatal")

	cleanup := mustGet(t, store, "cleanup")
	assert.Equal(t, "0 30 * * * *", cleanup.CronExpression)
	assert.True(t, cleanup.NextRunTime.Equal(at(10, 30, 0)))

	rep := mustGet(t, store, "report")
	assert.Equal(t, "0 0 * * * *", rep.CronExpression)
	assert.True(t, rep.NextRunTime.Equal(at(11, 0, 0)))
}

func TestReconcile_BadDefinitionFailsAlone(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "broken", CronExpression: "61 * * * * *"})
	mustAdd(t, reg, Definition{Name: "bad-zone", CronExpression: "0 0 * * * *", TimeZone: "Mars/Olympus"})
	mustAdd(t, reg, Definition{Name: "fine", CronExpression: "0 0 * * * *"})
	mustAdd(t, reg, Definition{Name: "manual"})

	report, err := newTestReconciler(store, reg, clock, nil).Reconcile(context.Background())
	require.NoError(t, err)

	assert.False(t, report.OK())
	assert.Contains(t, report.Failed, "broken")
	assert.Contains(t, report.Failed, "bad-zone")
	assert.True(t, errors.IsInvalidRequestError(report.Failed["broken"]))
	assert.Equal(t, []string{"fine"}, report.Upserted)
	assert.Equal(t, []string{"manual"}, report.Skipped)

	_, err = store.GetJobByName(context.Background(), "broken")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReconcile_TimeZone(t *testing.T) {
	clock := newTestClock(at(10, 15, 0))
	store := newTestStore(t, clock)
	reg := NewRegistry()
	// 09:00 in New York is 14:00 UTC in January.
	mustAdd(t, reg, Definition{Name: "morning", CronExpression: "0 0 9 * * *", TimeZone: "America/New_York"})

	_, err := newTestReconciler(store, reg, clock, nil).Reconcile(context.Background())
	require.NoError(t, err)

	job := mustGet(t, store, "morning")
	assert.True(t, job.NextRunTime.Equal(at(14, 0, 0)))
}
