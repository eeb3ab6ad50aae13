package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pulsetest "github.com/teranos/pulsecron/internal/testing"
	"github.com/teranos/pulsecron/internal/util"
)

func mustAdd(t *testing.T, reg *Registry, def Definition) {
	t.Helper()
	require.NoError(t, reg.Add(def))
}

// testClock is a settable clock shared by store and components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// at returns a UTC time on 2025-01-06.
func at(hour, min, sec int) time.Time {
	return time.Date(2025, 1, 6, hour, min, sec, 0, time.UTC)
}

func newTestStore(t *testing.T, clock *testClock) *Store {
	t.Helper()
	store := NewStore(pulsetest.CreateTestDB(t))
	store.now = clock.Now
	return store
}

// seedRecurring inserts an enabled pending recurring job due at next.
func seedRecurring(t *testing.T, store *Store, name, expr string, next time.Time) *Job {
	t.Helper()
	job := &Job{
		ID:             newID(),
		Name:           name,
		Type:           JobTypeRecurring,
		CronExpression: expr,
		Status:         StatusPending,
		NextRunTime:    util.Ptr(next),
		IsEnabled:      true,
		Misfire:        MisfireFireImmediately,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

// seedOneTime inserts an enabled pending one-time job due at next.
func seedOneTime(t *testing.T, store *Store, name string, next time.Time) *Job {
	t.Helper()
	job := &Job{
		ID:          newID(),
		Name:        name,
		Type:        JobTypeOneTime,
		Status:      StatusPending,
		NextRunTime: util.Ptr(next),
		IsEnabled:   true,
		Misfire:     MisfireFireImmediately,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func mustGet(t *testing.T, store Storage, name string) *Job {
	t.Helper()
	job, err := store.GetJobByName(context.Background(), name)
	require.NoError(t, err)
	return job
}
