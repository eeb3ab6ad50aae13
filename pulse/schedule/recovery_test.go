package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/pulsecron/errors"
	pulsetest "github.com/teranos/pulsecron/internal/testing"
	"github.com/teranos/pulsecron/logger"
)

func TestRecovery_RunOnceHealsCrashedInstance(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	ctx := context.Background()

	job := seedOneTime(t, store, "orphaned", at(11, 0, 0))
	claimed, err := store.AcquireDueJobs(ctx, 10, "dead-instance")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.CreateExecution(ctx, &Execution{
		ID: newID(), JobID: job.ID, ScheduledTime: at(11, 0, 0), StartedAt: at(11, 0, 0), Status: ExecutionRunning,
	}))

	cfg := DefaultConfig()
	cfg.StaleJobThreshold = 10 * time.Minute
	recovery := NewRecovery(store, cfg, logger.Logger)

	report := recovery.RunOnce(ctx)
	assert.Empty(t, report.Errors)
	assert.Zero(t, report.ReleasedJobs)

	clock.Advance(11 * time.Minute)
	report = recovery.RunOnce(ctx)
	assert.Empty(t, report.Errors)
	assert.Equal(t, int64(1), report.ReleasedJobs)
	assert.Equal(t, int64(1), report.TimedOutExecs)

	got := mustGet(t, store, "orphaned")
	assert.Nil(t, got.LockHolder)
	assert.Equal(t, StatusPending, got.Status)

	reclaimed, err := store.AcquireDueJobs(ctx, 10, "live-instance")
	require.NoError(t, err)
	require.Len(t, reclaimed, 1, "released job is due again")

	execs := executionsOf(t, store, job)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionTimedOut, execs[0].Status)
}

func TestRecovery_SurvivesStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE scheduled_jobs").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("UPDATE job_executions").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM job_executions").WillReturnError(errors.New("disk I/O error"))

	recovery := NewRecovery(NewStore(db), DefaultConfig(), logger.Logger)
	report := recovery.RunOnce(context.Background())

	assert.Len(t, report.Errors, 2)
	assert.Equal(t, int64(2), report.TimedOutExecs, "later steps run after an earlier failure")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecovery_StartStop(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	seedOneTime(t, store, "orphaned", at(10, 0, 0))
	_, err := store.AcquireDueJobs(context.Background(), 10, "dead")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	cfg := DefaultConfig()
	cfg.StaleCheckInterval = 10 * time.Millisecond
	recovery := NewRecovery(store, cfg, logger.Logger)
	recovery.Start()
	defer recovery.Stop()

	require.Eventually(t, func() bool {
		job, err := store.GetJobByName(context.Background(), "orphaned")
		return err == nil && job.LockHolder == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthProbe(t *testing.T) {
	clock := newTestClock(at(11, 0, 0))
	store := newTestStore(t, clock)
	probe := NewHealthProbe(store, 10*time.Minute)
	ctx := context.Background()

	report := probe.Check(ctx)
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Zero(t, report.StaleJobs)
	assert.Empty(t, report.Error)

	seedOneTime(t, store, "overdue", at(10, 0, 0))
	report = probe.Check(ctx)
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, int64(1), report.StaleJobs)
}

func TestHealthProbe_StorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("connection refused"))

	report := NewHealthProbe(NewStore(db), time.Minute).Check(context.Background())
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.Contains(t, report.Error, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecovery_ClosedDatabaseIsQuiet(t *testing.T) {
	conn := pulsetest.CreateTestDB(t)
	store := NewStore(conn)
	require.NoError(t, conn.Close())

	core, logs := observer.New(zapcore.DebugLevel)
	report := NewRecovery(store, DefaultConfig(), zap.New(core).Sugar()).RunOnce(context.Background())

	assert.Len(t, report.Errors, 3, "every step still runs and reports")
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len(), "shutdown noise stays at debug")
	assert.Equal(t, 3, logs.FilterLevelExact(zapcore.DebugLevel).Len())
}

func TestHealthReportErr(t *testing.T) {
	assert.NoError(t, HealthReport{Status: HealthHealthy}.Err())
	assert.NoError(t, HealthReport{Status: HealthDegraded, StaleJobs: 2}.Err())

	err := HealthReport{Status: HealthUnhealthy, Error: "connection refused"}.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.Contains(t, err.Error(), "connection refused")
}
