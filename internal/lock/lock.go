// Package lock provides the locks coordinators use to limit concurrent job
// runs: a process-local lock and a cluster-wide weak lock.
package lock

import (
	"context"
	"sync"
	"time"
)

// Provider grants non-blocking, holder-identified locks.
type Provider interface {
	// TryLock attempts to take key for lockID, never waiting on other holders
	TryLock(ctx context.Context, key, lockID string, ttl time.Duration) bool
	// Unlock releases key if lockID still holds it
	Unlock(ctx context.Context, key, lockID string) bool
}

// LocalLock is a process-local Provider. TTLs are ignored: a local holder
// always releases through Unlock.
type LocalLock struct {
	mu      sync.Mutex
	holders map[string]string
}

var _ Provider = (*LocalLock)(nil)

// NewLocalLock creates an empty local lock table
func NewLocalLock() *LocalLock {
	return &LocalLock{holders: make(map[string]string)}
}

// TryLock takes key if it is free or already held by lockID
func (l *LocalLock) TryLock(_ context.Context, key, lockID string, _ time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, held := l.holders[key]
	if held && holder != lockID {
		return false
	}
	l.holders[key] = lockID
	return true
}

// Unlock frees key if lockID holds it
func (l *LocalLock) Unlock(_ context.Context, key, lockID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, held := l.holders[key]; !held || holder != lockID {
		return false
	}
	delete(l.holders, key)
	return true
}

// Holder returns the current holder of key
func (l *LocalLock) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, held := l.holders[key]
	return holder, held
}
