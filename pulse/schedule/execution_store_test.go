package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsecron/errors"
)

func TestExecutionLifecycle(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()

	job := seedRecurring(t, store, "cleanup", "0 0 * * * *", at(11, 0, 0))

	exec := &Execution{
		ID:            newID(),
		JobID:         job.ID,
		ScheduledTime: at(11, 0, 0),
		StartedAt:     at(11, 0, 1),
		Status:        ExecutionRunning,
		RetryAttempt:  2,
	}
	require.NoError(t, store.CreateExecution(ctx, exec))

	exec.complete(ExecutionFailed, at(11, 0, 3), "connection refused")
	require.NoError(t, store.UpdateExecution(ctx, exec))

	execs, err := store.GetExecutions(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	got := execs[0]
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, ExecutionFailed, got.Status)
	assert.Equal(t, 2, got.RetryAttempt)
	assert.True(t, got.ScheduledTime.Equal(at(11, 0, 0)))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(at(11, 0, 3)))
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(2000), *got.DurationMs)
	require.NotNil(t, got.Error)
	assert.Equal(t, "connection refused", *got.Error)
}

func TestUpdateExecution_Unknown(t *testing.T) {
	store := newTestStore(t, newTestClock(at(11, 0, 0)))
	err := store.UpdateExecution(context.Background(), &Execution{ID: "missing", Status: ExecutionSucceeded})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateExecution_TerminalStatusIsFinal(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()
	job := seedRecurring(t, store, "overrun", "0 0 * * * *", at(12, 0, 0))

	exec := &Execution{ID: newID(), JobID: job.ID, ScheduledTime: at(11, 0, 0), StartedAt: at(11, 0, 0), Status: ExecutionRunning}
	require.NoError(t, store.CreateExecution(ctx, exec))

	clock.Set(at(11, 20, 0))
	n, err := store.TimeoutStaleExecutions(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The handler finishes after recovery already closed the execution.
	exec.complete(ExecutionSucceeded, at(11, 21, 0), "")
	err = store.UpdateExecution(ctx, exec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutionFinished))
	assert.True(t, errors.IsConflictError(err))
	assert.False(t, errors.IsNotFoundError(err))

	execs, err := store.GetExecutions(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionTimedOut, execs[0].Status)
	assert.True(t, execs[0].CompletedAt.Equal(at(11, 20, 0)))
}

func TestUpdateExecution_RejectsRunningStatus(t *testing.T) {
	store := newTestStore(t, newTestClock(at(11, 0, 0)))
	err := store.UpdateExecution(context.Background(), &Execution{ID: "x", Status: ExecutionRunning})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestGetExecutions_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t, newTestClock(at(12, 0, 0)))
	ctx := context.Background()
	job := seedRecurring(t, store, "minutely", "0 * * * * *", at(12, 0, 0))

	for i := 0; i < 5; i++ {
		started := at(11, i, 0)
		require.NoError(t, store.CreateExecution(ctx, &Execution{
			ID: newID(), JobID: job.ID, ScheduledTime: started, StartedAt: started, Status: ExecutionSucceeded,
		}))
	}

	execs, err := store.GetExecutions(ctx, job.ID, 3)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.True(t, execs[0].StartedAt.Equal(at(11, 4, 0)))
	assert.True(t, execs[2].StartedAt.Equal(at(11, 2, 0)))
}

func TestTimeoutStaleExecutions(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()
	job := seedRecurring(t, store, "slow", "0 0 * * * *", at(12, 0, 0))

	stale := &Execution{ID: newID(), JobID: job.ID, ScheduledTime: at(10, 0, 0), StartedAt: at(10, 0, 0), Status: ExecutionRunning}
	fresh := &Execution{ID: newID(), JobID: job.ID, ScheduledTime: at(10, 58, 0), StartedAt: at(10, 58, 0), Status: ExecutionRunning}
	require.NoError(t, store.CreateExecution(ctx, stale))
	require.NoError(t, store.CreateExecution(ctx, fresh))

	n, err := store.TimeoutStaleExecutions(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	execs, err := store.GetExecutions(ctx, job.ID, 10)
	require.NoError(t, err)
	byID := map[string]*Execution{}
	for _, e := range execs {
		byID[e.ID] = e
	}

	assert.Equal(t, ExecutionTimedOut, byID[stale.ID].Status)
	require.NotNil(t, byID[stale.ID].CompletedAt)
	require.NotNil(t, byID[stale.ID].DurationMs)
	assert.Equal(t, int64(time.Hour/time.Millisecond), *byID[stale.ID].DurationMs)
	require.NotNil(t, byID[stale.ID].Error)
	assert.Equal(t, ExecutionRunning, byID[fresh.ID].Status)
}

func TestPurgeExecutions(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()
	job := seedRecurring(t, store, "chatty", "0 * * * * *", at(12, 0, 0))

	old := &Execution{ID: newID(), JobID: job.ID, ScheduledTime: at(1, 0, 0), StartedAt: at(1, 0, 0), Status: ExecutionSucceeded}
	oldRunning := &Execution{ID: newID(), JobID: job.ID, ScheduledTime: at(1, 0, 0), StartedAt: at(1, 0, 0), Status: ExecutionRunning}
	recent := &Execution{ID: newID(), JobID: job.ID, ScheduledTime: at(10, 0, 0), StartedAt: at(10, 0, 0), Status: ExecutionFailed}
	for _, e := range []*Execution{old, oldRunning, recent} {
		require.NoError(t, store.CreateExecution(ctx, e))
	}

	n, err := store.PurgeExecutions(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only finished executions past retention are purged")

	n, err = store.PurgeExecutions(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "zero retention keeps history")

	execs, err := store.GetExecutions(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}
