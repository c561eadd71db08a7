package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbparthas/scriptlock/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLeaseStoreContract exercises the behavior every LeaseStore backend must share.
func runLeaseStoreContract(t *testing.T, setup func(t *testing.T) (LeaseStore, func())) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newLock := func(resource, owner string, ttl time.Duration) *Lock {
		return &Lock{
			ResourceID: resource,
			OwnerID:    owner,
			ProjectID:  "proj-1",
			FilePath:   "tests/" + resource + ".spec.ts",
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
	}

	t.Run("create and get lock", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", 30*time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))
		assert.NotEmpty(t, l.ID)

		got, err := store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, l, got)
		assert.False(t, got.Released)
		assert.Nil(t, got.ReleasedAt)
	})

	t.Run("timestamps round trip at millisecond precision", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-ms", "alice", time.Minute)
		l.AcquiredAt = now.Add(123456789 * time.Nanosecond)
		require.NoError(t, store.CreateLock(ctx, l))
		assert.Equal(t, now.Add(123*time.Millisecond), l.AcquiredAt)

		got, err := store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, l.AcquiredAt.Equal(got.AcquiredAt))
	})

	t.Run("get unknown lock", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		_, err := store.GetLock(ctx, "missing")
		assert.ErrorIs(t, err, errors.ErrLockNotFound)
	})

	t.Run("second open lock on resource is refused", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		require.NoError(t, store.CreateLock(ctx, newLock("script-1", "alice", time.Minute)))
		err := store.CreateLock(ctx, newLock("script-1", "bob", time.Minute))
		assert.ErrorIs(t, err, errors.ErrLockHeld)

		// Expired but unreleased still blocks the insert
		require.NoError(t, store.CreateLock(ctx, newLock("script-2", "alice", -time.Minute)))
		err = store.CreateLock(ctx, newLock("script-2", "bob", time.Minute))
		assert.ErrorIs(t, err, errors.ErrLockHeld)
	})

	t.Run("concurrent creates yield one winner", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.CreateLock(ctx, newLock("contended", string(rune('a'+i)), time.Minute))
				if err == nil {
					atomic.AddInt32(&wins, 1)
				} else {
					assert.ErrorIs(t, err, errors.ErrLockHeld)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("get open lock", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		_, err := store.GetOpenLock(ctx, "script-1")
		assert.ErrorIs(t, err, errors.ErrLockNotFound)

		l := newLock("script-1", "alice", -time.Second)
		require.NoError(t, store.CreateLock(ctx, l))

		got, err := store.GetOpenLock(ctx, "script-1")
		require.NoError(t, err)
		assert.Equal(t, l.ID, got.ID)
		assert.True(t, got.IsExpired(now))
	})

	t.Run("release lock", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))

		releasedAt := now.Add(10 * time.Second)
		changed, err := store.ReleaseLock(ctx, l.ID, releasedAt)
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, got.Released)
		require.NotNil(t, got.ReleasedAt)
		assert.True(t, releasedAt.Equal(*got.ReleasedAt))

		_, err = store.GetOpenLock(ctx, "script-1")
		assert.ErrorIs(t, err, errors.ErrLockNotFound)

		// The resource can be locked again
		require.NoError(t, store.CreateLock(ctx, newLock("script-1", "bob", time.Minute)))
	})

	t.Run("second release keeps first timestamp", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))

		_, err := store.ReleaseLock(ctx, l.ID, now)
		require.NoError(t, err)
		changed, err := store.ReleaseLock(ctx, l.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, now.Equal(*got.ReleasedAt))
	})

	t.Run("release unknown lock", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		_, err := store.ReleaseLock(ctx, "missing", now)
		assert.ErrorIs(t, err, errors.ErrLockNotFound)
	})

	t.Run("extend lock from current expiry", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", 10*time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))

		got, err := store.ExtendLock(ctx, l.ID, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, now.Add(25*time.Minute), got.ExpiresAt)

		_, err = store.ExtendLock(ctx, "missing", time.Minute)
		assert.ErrorIs(t, err, errors.ErrLockNotFound)
	})

	t.Run("extended lock is found by expiring range", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", 2*time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))
		_, err := store.ExtendLock(ctx, l.ID, time.Hour)
		require.NoError(t, err)

		soon, err := store.ListExpiring(ctx, now, now.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, soon)

		later, err := store.ListExpiring(ctx, now, now.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, l.ID, later[0].ID)
	})

	t.Run("release expired", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		expired1 := newLock("script-1", "alice", -time.Minute)
		expired2 := newLock("script-2", "bob", -time.Second)
		live := newLock("script-3", "carol", time.Minute)
		for _, l := range []*Lock{expired1, expired2, live} {
			require.NoError(t, store.CreateLock(ctx, l))
		}

		n, err := store.ReleaseExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = store.ReleaseExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		for _, l := range []*Lock{expired1, expired2} {
			got, err := store.GetLock(ctx, l.ID)
			require.NoError(t, err)
			assert.True(t, got.Released)
			assert.True(t, now.Equal(*got.ReleasedAt))
		}
		got, err := store.GetLock(ctx, live.ID)
		require.NoError(t, err)
		assert.False(t, got.Released)
	})

	t.Run("release expired includes sub-millisecond past expiry", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))

		n, err := store.ReleaseExpired(ctx, now.Add(time.Minute-500*time.Microsecond))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "still active just before expiry")

		at := now.Add(time.Minute + 500*time.Microsecond)
		got, err := store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		require.True(t, got.IsExpired(at))

		n, err = store.ReleaseExpired(ctx, at)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err = store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, got.Released)
	})

	t.Run("release expired lock only while expired", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", -time.Second)
		require.NoError(t, store.CreateLock(ctx, l))

		// The holder renews before the stale release lands.
		_, err := store.ExtendLock(ctx, l.ID, 30*time.Minute)
		require.NoError(t, err)

		changed, err := store.ReleaseExpiredLock(ctx, l.ID, now)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.False(t, got.Released)
		assert.True(t, got.IsActive(now))

		open, err := store.GetOpenLock(ctx, "script-1")
		require.NoError(t, err)
		assert.Equal(t, l.ID, open.ID)

		changed, err = store.ReleaseExpiredLock(ctx, l.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = store.ReleaseExpiredLock(ctx, l.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, changed, "already released")

		got, err = store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, now.Add(time.Hour).Equal(*got.ReleasedAt))

		_, err = store.GetOpenLock(ctx, "script-1")
		assert.ErrorIs(t, err, errors.ErrLockNotFound)
	})

	t.Run("release expired lock at exact expiry", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		l := newLock("script-1", "alice", time.Minute)
		require.NoError(t, store.CreateLock(ctx, l))

		changed, err := store.ReleaseExpiredLock(ctx, l.ID, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("release expired lock unknown id", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		_, err := store.ReleaseExpiredLock(ctx, "missing", now)
		assert.ErrorIs(t, err, errors.ErrLockNotFound)
	})

	t.Run("list expiring excludes released and past locks", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		in3 := newLock("script-1", "alice", 3*time.Minute)
		in10 := newLock("script-2", "bob", 10*time.Minute)
		past := newLock("script-3", "carol", -time.Minute)
		released := newLock("script-4", "dave", time.Minute)
		for _, l := range []*Lock{in3, in10, past, released} {
			require.NoError(t, store.CreateLock(ctx, l))
		}
		_, err := store.ReleaseLock(ctx, released.ID, now)
		require.NoError(t, err)

		got, err := store.ListExpiring(ctx, now, now.Add(5*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, in3.ID, got[0].ID)
	})

	t.Run("list active with project filter", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		a := newLock("script-1", "alice", time.Minute)
		b := newLock("script-2", "bob", time.Minute)
		b.ProjectID = "proj-2"
		b.AcquiredAt = now.Add(time.Second)
		expired := newLock("script-3", "carol", -time.Minute)
		for _, l := range []*Lock{a, b, expired} {
			require.NoError(t, store.CreateLock(ctx, l))
		}

		all, err := store.ListActive(ctx, now, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, a.ID, all[0].ID)
		assert.Equal(t, b.ID, all[1].ID)

		filtered, err := store.ListActive(ctx, now, "proj-2")
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, b.ID, filtered[0].ID)
	})

	t.Run("history is newest first and keeps released locks", func(t *testing.T) {
		store, cleanup := setup(t)
		defer cleanup()

		var ids []string
		for i := 0; i < 3; i++ {
			l := newLock("script-1", "alice", time.Minute)
			l.AcquiredAt = now.Add(time.Duration(i) * time.Minute)
			require.NoError(t, store.CreateLock(ctx, l))
			_, err := store.ReleaseLock(ctx, l.ID, l.AcquiredAt.Add(time.Second))
			require.NoError(t, err)
			ids = append(ids, l.ID)
		}

		all, err := store.ListHistory(ctx, "script-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids[2], all[0].ID)
		assert.Equal(t, ids[0], all[2].ID)

		limited, err := store.ListHistory(ctx, "script-1", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		none, err := store.ListHistory(ctx, "unknown", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
