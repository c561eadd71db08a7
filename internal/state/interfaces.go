package state

import (
	"context"
	"time"
)

// LeaseStore defines the persistence operations the lock manager relies on.
// Each call is individually atomic. CreateLock is an insert-if-absent per
// resource: it returns errors.ErrLockHeld when an unreleased lock already
// exists for the resource, expired or not.
type LeaseStore interface {
	Close() error

	CreateLock(ctx context.Context, l *Lock) error
	GetLock(ctx context.Context, id string) (*Lock, error)
	GetOpenLock(ctx context.Context, resourceID string) (*Lock, error)

	// ReleaseLock marks the lock released at the given time. It reports
	// false when the lock was already released.
	ReleaseLock(ctx context.Context, id string, at time.Time) (bool, error)
	// ReleaseExpiredLock releases the lock only while it is still unreleased
	// and its expiry is not after now. It reports false when the lock was
	// released or extended in the meantime.
	ReleaseExpiredLock(ctx context.Context, id string, now time.Time) (bool, error)
	ExtendLock(ctx context.Context, id string, by time.Duration) (*Lock, error)
	// ReleaseExpired releases every unreleased lock whose expiry is not
	// after now, matching Lock.IsExpired.
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)

	ListExpiring(ctx context.Context, from, to time.Time) ([]*Lock, error)
	ListActive(ctx context.Context, now time.Time, projectID string) ([]*Lock, error)
	ListHistory(ctx context.Context, resourceID string, limit int) ([]*Lock, error)
}

// Ensure both backends implement LeaseStore
var (
	_ LeaseStore = (*Store)(nil)
	_ LeaseStore = (*RedisStore)(nil)
)
