package lock

import (
	"context"
	"sync"
	"time"

	psync "courier/pkg/platform/sync"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker for single-node deployments and tests.
type MemoryLocker struct {
	keys    *psync.Striped
	mu      sync.Mutex
	entries map[string]memoryEntry
	policy  waitPolicy
	now     func() time.Time
}

// NewMemoryLocker creates an in-process Locker.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	return &MemoryLocker{
		keys:    psync.NewStriped(0),
		entries: make(map[string]memoryEntry),
		policy:  newWaitPolicy(opts),
		now:     time.Now,
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	ok, err := l.policy.retry(ctx, func() (bool, error) {
		l.keys.Lock(key)
		defer l.keys.Unlock(key)
		if _, held := l.live(key); held {
			return false, nil
		}
		l.mu.Lock()
		l.entries[key] = memoryEntry{token: token, expiresAt: l.now().Add(ttl)}
		l.mu.Unlock()
		return true, nil
	})
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// IsHeld implements Locker.
func (l *MemoryLocker) IsHeld(_ context.Context, key string) (bool, error) {
	_, held := l.live(key)
	return held, nil
}

// ReleaseIfOwnedBy implements Locker.
func (l *MemoryLocker) ReleaseIfOwnedBy(_ context.Context, key, token string) (bool, error) {
	l.keys.Lock(key)
	defer l.keys.Unlock(key)
	e, held := l.live(key)
	if !held || e.token != token {
		return false, nil
	}
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return true, nil
}

func (l *MemoryLocker) live(key string) (memoryEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !l.now().Before(e.expiresAt) {
		delete(l.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}
