// Package lock serialises transactions on a physical connection.
package lock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned when a lock is not acquired within the bound.
var ErrTimeout = errors.New("lock: acquire timed out")

// NoConnection is the pseudo key used by dry-run and disconnected modes.
const NoConnection = "-"

// Key builds the registry key for a TCP connection.
func Key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ConnectionLock is a mutual exclusion primitive with bounded-wait acquisition.
type ConnectionLock struct {
	key     string
	sem     chan struct{}
	waiters atomic.Int32
}

func newLock(key string) *ConnectionLock {
	return &ConnectionLock{key: key, sem: make(chan struct{}, 1)}
}

func (l *ConnectionLock) Key() string { return l.key }

// Acquire blocks until the lock is held, ctx is done, or timeout elapses.
// A timeout <= 0 waits without bound.
func (l *ConnectionLock) Acquire(ctx context.Context, timeout time.Duration) error {
	l.waiters.Add(1)
	defer l.waiters.Add(-1)

	select {
	case l.sem <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-expired:
		return fmt.Errorf("%w: %s after %s", ErrTimeout, l.key, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. It is a no-op when the lock is not held.
func (l *ConnectionLock) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// Held reports whether someone currently holds the lock.
func (l *ConnectionLock) Held() bool { return len(l.sem) == 1 }

// Waiters is the number of callers inside Acquire.
func (l *ConnectionLock) Waiters() int { return int(l.waiters.Load()) }

// Registry hands out one shared lock per connection key.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*ConnectionLock
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*ConnectionLock)}
}

// Get returns the lock for key, creating it on first use. NoConnection always
// yields a fresh lock that is never shared or tracked.
func (r *Registry) Get(key string) *ConnectionLock {
	if key == NoConnection || key == "" {
		return newLock(NoConnection)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = newLock(key)
		r.locks[key] = l
	}
	return l
}

// Waiters returns the current waiter count per connection key.
func (r *Registry) Waiters() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.locks))
	for k, l := range r.locks {
		out[k] = l.Waiters()
	}
	return out
}
