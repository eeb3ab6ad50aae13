package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider_ExclusiveUntilRelease(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	h, err := p.TryAcquire(ctx, "nightly-report", time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "nightly-report", h.Name())
	assert.True(t, p.Held("nightly-report"))

	second, err := p.TryAcquire(ctx, "nightly-report", time.Minute, 0)
	require.NoError(t, err)
	assert.Nil(t, second, "held lock must not be handed out twice")

	other, err := p.TryAcquire(ctx, "hourly-sync", time.Minute, 0)
	require.NoError(t, err)
	assert.NotNil(t, other, "locks are per name")

	require.NoError(t, h.Release(ctx))
	assert.False(t, p.Held("nightly-report"))

	again, err := p.TryAcquire(ctx, "nightly-report", time.Minute, 0)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestMemoryProvider_ExpiredLockCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	p := NewMemoryProvider()
	p.now = func() time.Time { return now }

	first, err := p.TryAcquire(ctx, "job", 30*time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	now = now.Add(31 * time.Second)
	second, err := p.TryAcquire(ctx, "job", 30*time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, second)

	// The stale holder releasing must not free the new holder's lock.
	require.NoError(t, first.Release(ctx))
	assert.True(t, p.Held("job"))
}

func TestMemoryProvider_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	h, err := p.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, h)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = h.Release(ctx)
	}()

	waited, err := p.TryAcquire(ctx, "job", time.Minute, 2*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, waited)
}

func TestMemoryProvider_WaitHonoursContext(t *testing.T) {
	p := NewMemoryProvider()
	_, err := p.TryAcquire(context.Background(), "job", time.Minute, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	h, err := p.TryAcquire(ctx, "job", time.Minute, 5*time.Second)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryProvider_Concurrent(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.TryAcquire(ctx, "contended", time.Minute, 0)
			if err == nil && h != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
