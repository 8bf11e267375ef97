package model

import (
	"time"
)

// LockRecord is the value stored under a weak-lock key. Two records with the
// same LockID are the same holder regardless of timestamps, which lets a
// holder refresh its own lock.
type LockRecord struct {
	LockID     string    `json:"lock_id" bson:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at" bson:"acquired_at"` // Lock acquisition timestamp
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`   // Lock expiration (TTL)
}

// NewLockRecord creates a record held from now until now+ttl
func NewLockRecord(lockID string, now time.Time, ttl time.Duration) LockRecord {
	return LockRecord{
		LockID:     lockID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the record's TTL has passed
func (r LockRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Equal compares records by holder identity only
func (r LockRecord) Equal(other LockRecord) bool {
	return r.LockID == other.LockID
}
