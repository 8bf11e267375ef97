package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/replica"
)

// ErrVerifyTimeout means a read-back did not complete in time. TryLock and
// Unlock report it as failure, never as success.
var ErrVerifyTimeout = errors.New("lock: read verification timed out")

// DefaultVerifyTimeout bounds the read-back poll
const DefaultVerifyTimeout = 10 * time.Second

// WeakLock is an advisory cluster lock over a replica.Store.
//
// Acquisition is a conditional merge followed by a read-back: the caller owns
// the lock only when its own read shows its record. The store replicates
// asynchronously, so during the propagation window two callers on different
// replicas may both read back their own record. Pick TTLs well above job
// duration and delay Unlock after a job finishes.
type WeakLock struct {
	store   replica.Store
	read    replica.ReadConsistency
	write   replica.WriteConsistency
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ Provider = (*WeakLock)(nil)

// Option configures a WeakLock
type Option func(*WeakLock)

// WithConsistency sets the read and write consistency levels
func WithConsistency(read replica.ReadConsistency, write replica.WriteConsistency) Option {
	return func(l *WeakLock) {
		l.read = read
		l.write = write
	}
}

// WithVerifyTimeout bounds the read-back poll
func WithVerifyTimeout(d time.Duration) Option {
	return func(l *WeakLock) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *WeakLock) {
		l.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *WeakLock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewWeakLock creates a weak lock using majority reads and writes by default
func NewWeakLock(store replica.Store, opts ...Option) *WeakLock {
	l := &WeakLock{
		store:   store,
		read:    replica.ReadMajority,
		write:   replica.WriteMajority,
		timeout: DefaultVerifyTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock writes a record for lockID under key and reports whether the
// read-back shows it
func (l *WeakLock) TryLock(ctx context.Context, key, lockID string, ttl time.Duration) bool {
	merge, err := AcquireMerge(lockID, l.now(), ttl)
	if err != nil {
		l.logger.Error("Failed to build lock record", "lock_key", key, "error", err)
		return false
	}

	if err := l.store.Update(ctx, key, merge, l.write); err != nil {
		l.logger.Warn("Lock update failed", "lock_key", key, "lock_id", lockID, "error", err)
		return false
	}

	values, err := l.readBack(ctx, key)
	if err != nil {
		l.logger.Warn("Lock read-back failed", "lock_key", key, "lock_id", lockID, "error", err)
		return false
	}
	return values.Contains(lockID)
}

// Unlock removes the record for lockID, or an expired record, and reports
// whether the read-back shows the key free
func (l *WeakLock) Unlock(ctx context.Context, key, lockID string) bool {
	if err := l.store.Update(ctx, key, ReleaseMerge(lockID, l.now()), l.write); err != nil {
		l.logger.Warn("Unlock update failed", "lock_key", key, "lock_id", lockID, "error", err)
		return false
	}

	values, err := l.readBack(ctx, key)
	if err != nil {
		l.logger.Warn("Unlock read-back failed", "lock_key", key, "lock_id", lockID, "error", err)
		return false
	}
	return len(values) == 0
}

// Get returns the current holder record of key. found is false when the key
// is free.
func (l *WeakLock) Get(ctx context.Context, key string) (record model.LockRecord, found bool, err error) {
	values, err := l.readBack(ctx, key)
	if err != nil {
		return model.LockRecord{}, false, err
	}
	for _, el := range values {
		if err := el.Decode(&record); err != nil {
			return model.LockRecord{}, false, err
		}
		return record, true, nil
	}
	return model.LockRecord{}, false, nil
}

// readBack polls Get with backoff until a read completes or the timeout
// passes. An absent key is a completed read and yields an empty set.
func (l *WeakLock) readBack(ctx context.Context, key string) (replica.Values, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	b := newBackoff(l.timeout)
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := sleep(ctx, b.delay(attempt)); err != nil {
			break
		}

		values, err := l.store.Get(ctx, key, l.read)
		if err == nil {
			return values, nil
		}
		if errors.Is(err, replica.ErrNotFound) {
			return nil, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifyTimeout, lastErr)
	}
	return nil, ErrVerifyTimeout
}

// AcquireMerge grants the key to lockID when it is free, already held by
// lockID, or held only by expired records. Otherwise it leaves the set
// unchanged. Applying it again with the same arguments yields the same set.
func AcquireMerge(lockID string, now time.Time, ttl time.Duration) (replica.MergeFunc, error) {
	record := model.NewLockRecord(lockID, now, ttl)
	el, err := replica.NewElement(lockID, record, record.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return func(current replica.Values, found bool) (replica.Values, bool) {
		if !found || grantable(current, lockID, now) {
			return replica.Values{el}, true
		}
		return current, true
	}, nil
}

// ReleaseMerge removes the key when it is held by lockID or only by expired
// records
func ReleaseMerge(lockID string, now time.Time) replica.MergeFunc {
	return func(current replica.Values, found bool) (replica.Values, bool) {
		if !found {
			return nil, false
		}
		if grantable(current, lockID, now) {
			return nil, false
		}
		return current, true
	}
}

// grantable reports whether a set may be replaced for lockID: it is empty,
// names lockID, or every record in it has expired. Undecodable records count
// as orphans.
func grantable(current replica.Values, lockID string, now time.Time) bool {
	if current.Contains(lockID) {
		return true
	}
	for _, el := range current {
		var rec model.LockRecord
		if err := el.Decode(&rec); err != nil {
			continue
		}
		if !rec.Expired(now) {
			return false
		}
	}
	return true
}
