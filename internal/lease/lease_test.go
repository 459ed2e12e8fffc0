package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_ExclusiveAcquire(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "sess-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", l.SessionID())
	assert.True(t, m.Held("sess-1"))

	_, err = m.Acquire(ctx, "sess-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := m.Acquire(ctx, "sess-2", time.Minute)
	require.NoError(t, err, "leases are per session")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, l.Release(ctx))
	assert.False(t, m.Held("sess-1"))

	_, err = m.Acquire(ctx, "sess-1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	first, err := m.Acquire(ctx, "sess-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	require.NoError(t, first.Refresh(ctx, time.Minute))

	now = now.Add(59 * time.Second)
	_, err = m.Acquire(ctx, "sess-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "refresh extended the lease")

	now = now.Add(2 * time.Second)
	second, err := m.Acquire(ctx, "sess-1", time.Minute)
	require.NoError(t, err, "an expired lease can be taken over")

	assert.ErrorIs(t, first.Refresh(ctx, time.Minute), ErrLost)
	assert.ErrorIs(t, first.Release(ctx), ErrLost)
	assert.True(t, m.Held("sess-1"), "a stale release does not drop the new owner's lease")

	require.NoError(t, second.Release(ctx))
}

func TestMemoryLocker_ConcurrentAcquire(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "sess-1", time.Minute); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestMemoryLocker_CanceledContext(t *testing.T) {
	m := NewMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx, "sess-1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLeaseKey(t *testing.T) {
	assert.Equal(t, "content:lease:abc", leaseKey("abc"))
}
