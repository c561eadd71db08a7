// Package state provides lease storage for scriptlock, backed by SQLite or Redis.
package state

import "time"

// Lock is a time-bounded, owner-scoped exclusive lease on a resource.
// Records are never deleted; released locks remain as an audit trail.
type Lock struct {
	ID         string     `json:"id"`
	ResourceID string     `json:"resourceId"`
	OwnerID    string     `json:"ownerId"`
	ProjectID  string     `json:"projectId,omitempty"`
	FilePath   string     `json:"filePath,omitempty"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Released   bool       `json:"released"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// IsActive reports whether the lock is unreleased and not yet expired at now.
func (l *Lock) IsActive(now time.Time) bool {
	return !l.Released && l.ExpiresAt.After(now)
}

// IsExpired reports whether the lock is unreleased but past its expiry at now.
func (l *Lock) IsExpired(now time.Time) bool {
	return !l.Released && !l.ExpiresAt.After(now)
}

// Remaining returns the time left on the lease, or zero once it is no longer active.
func (l *Lock) Remaining(now time.Time) time.Duration {
	if !l.IsActive(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// Timestamps are persisted as unix milliseconds in every backend.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// normalize truncates timestamps to the persisted precision so a record
// handed to CreateLock equals the one later read back.
func (l *Lock) normalize() {
	l.AcquiredAt = fromMillis(toMillis(l.AcquiredAt))
	l.ExpiresAt = fromMillis(toMillis(l.ExpiresAt))
	if l.ReleasedAt != nil {
		t := fromMillis(toMillis(*l.ReleasedAt))
		l.ReleasedAt = &t
	}
}
