// Package lock provides per-transfer mutual exclusion across coordinator
// instances.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrHeld = errors.New("lock held by another owner")

// Release gives the lock back. It is safe to call more than once.
type Release func()

type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// MemoryLocker is an in-process Locker for single-instance deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, ErrHeld
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only drop our own claim; it may have expired and been retaken.
			if l.held[key].Equal(expires) {
				delete(l.held, key)
			}
		})
	}, nil
}
