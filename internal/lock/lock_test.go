package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	r := NewRegistry()
	l := r.Get(Key("10.0.0.5", 502))
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, time.Second))
	before := l.Waiters()

	start := time.Now()
	err := r.Get(Key("10.0.0.5", 502)).Acquire(ctx, 10*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, before, l.Waiters())
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewRegistry().Get("a:1")
	l.Release()
	assert.False(t, l.Held())

	require.NoError(t, l.Acquire(context.Background(), time.Second))
	assert.True(t, l.Held())
	l.Release()
	l.Release()
	assert.False(t, l.Held())

	require.NoError(t, l.Acquire(context.Background(), 10*time.Millisecond))
}

func TestRegistrySharesLocksPerKey(t *testing.T) {
	r := NewRegistry()
	assert.Same(t, r.Get("h:502"), r.Get("h:502"))
	assert.NotSame(t, r.Get("h:502"), r.Get("h:503"))

	a, b := r.Get(NoConnection), r.Get(NoConnection)
	assert.NotSame(t, a, b)
	_, tracked := r.Waiters()[NoConnection]
	assert.False(t, tracked)
}

func TestWaiterCountObservable(t *testing.T) {
	r := NewRegistry()
	l := r.Get("h:502")
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(ctx, 2*time.Second) == nil {
				l.Release()
			}
		}()
	}
	require.Eventually(t, func() bool { return r.Waiters()["h:502"] == 3 }, time.Second, 5*time.Millisecond)

	l.Release()
	wg.Wait()
	assert.Equal(t, 0, r.Waiters()["h:502"])
}

func TestAcquireHonoursContext(t *testing.T) {
	l := NewRegistry().Get("h:1")
	require.NoError(t, l.Acquire(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, l.Waiters())
}
