package lock

import (
	"context"
	"time"

	"github.com/pbparthas/scriptlock/internal/state"
)

// LockOperations defines the interface for lease management.
type LockOperations interface {
	Acquire(ctx context.Context, req AcquireRequest) (*state.Lock, error)
	Release(ctx context.Context, lockID string) (*state.Lock, error)
	Check(ctx context.Context, resourceID string) (*state.Lock, error)
	Extend(ctx context.Context, lockID string, additional time.Duration) (*state.Lock, error)
	CleanupExpiredLocks(ctx context.Context) (int64, error)
	ApproachingExpiry(ctx context.Context, threshold time.Duration) ([]*state.Lock, error)
	ForceRelease(ctx context.Context, resourceID string) (*state.Lock, error)
	ListActive(ctx context.Context, projectID string) ([]*state.Lock, error)
	History(ctx context.Context, resourceID string, limit int) ([]*state.Lock, error)
}

// Ensure Manager implements LockOperations
var _ LockOperations = (*Manager)(nil)
