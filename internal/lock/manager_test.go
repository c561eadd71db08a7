package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/metrics"
	"github.com/pbparthas/scriptlock/internal/notify"
	"github.com/pbparthas/scriptlock/internal/state"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(event notify.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) Events() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event{}, p.events...)
}

func (p *recordingPublisher) OfType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	manager *Manager
	store   state.LeaseStore
	clock   *fakeClock
	events  *recordingPublisher
}

// forEachStore runs fn against the SQLite and Redis stores.
func forEachStore(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		store, err := state.New(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, newTestEnv(store))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store := state.NewRedis(client, state.WithRedisPrefix("test:"))
		t.Cleanup(func() { store.Close() })
		fn(t, newTestEnv(store))
	})
}

func newTestEnv(store state.LeaseStore) *testEnv {
	clock := newFakeClock()
	events := &recordingPublisher{}
	return &testEnv{
		manager: NewManager(store, WithClock(clock.Now), WithPublisher(events)),
		store:   store,
		clock:   clock,
		events:  events,
	}
}

func acquireReq(resource, owner string, d time.Duration) AcquireRequest {
	return AcquireRequest{
		ResourceID: resource,
		OwnerID:    owner,
		ProjectID:  "proj-1",
		FilePath:   "f.ts",
		Duration:   d,
	}
}

func TestManager_Acquire(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		t.Run("conflict for another owner", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", 30*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, "alice", l.OwnerID)
			assert.NotEmpty(t, l.ID)
			assert.True(t, env.clock.Now().Add(30*time.Minute).Equal(l.ExpiresAt))

			_, err = env.manager.Acquire(ctx, acquireReq("R1", "bob", 30*time.Minute))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrResourceLocked)
			assert.Contains(t, err.Error(), "R1")
			assert.Contains(t, err.Error(), "alice")
		})

		t.Run("replaces expired lock", func(t *testing.T) {
			old, err := env.manager.Acquire(ctx, acquireReq("R2", "alice", 30*time.Minute))
			require.NoError(t, err)

			env.clock.Advance(30*time.Minute + time.Second)

			fresh, err := env.manager.Acquire(ctx, acquireReq("R2", "bob", 30*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, "bob", fresh.OwnerID)
			assert.NotEqual(t, old.ID, fresh.ID)

			prior, err := env.store.GetLock(ctx, old.ID)
			require.NoError(t, err)
			assert.True(t, prior.Released)
			require.NotNil(t, prior.ReleasedAt)
			assert.True(t, env.clock.Now().Equal(*prior.ReleasedAt))
		})

		t.Run("same owner gets the same lock", func(t *testing.T) {
			first, err := env.manager.Acquire(ctx, acquireReq("R3", "alice", 30*time.Minute))
			require.NoError(t, err)

			env.clock.Advance(5 * time.Minute)
			before := len(env.events.OfType(notify.EventLockAcquired))

			second, err := env.manager.Acquire(ctx, acquireReq("R3", "alice", 30*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, first.ID, second.ID)
			assert.True(t, first.ExpiresAt.Equal(second.ExpiresAt))
			assert.Len(t, env.events.OfType(notify.EventLockAcquired), before)
		})

		t.Run("zero duration uses default", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R4", "alice", 0))
			require.NoError(t, err)
			assert.True(t, env.clock.Now().Add(DefaultDuration).Equal(l.ExpiresAt))
		})

		t.Run("emits acquired event", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R5", "carol", 10*time.Minute))
			require.NoError(t, err)

			events := env.events.OfType(notify.EventLockAcquired)
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, "R5", last.ResourceID)
			assert.Equal(t, "carol", last.OwnerID)
			assert.Equal(t, "f.ts", last.FilePath)
			assert.Equal(t, "proj-1", last.ProjectID)
			assert.Equal(t, l.ID, last.LockID)
			assert.True(t, l.ExpiresAt.Equal(last.ExpiresAt))
		})
	})
}

func TestManager_AcquireInvalidInput(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AcquireRequest
	}{
		{"empty resource", acquireReq("", "alice", time.Minute)},
		{"empty owner", acquireReq("R1", "", time.Minute)},
		{"negative duration", acquireReq("R1", "alice", -time.Minute)},
		{"path traversal", AcquireRequest{ResourceID: "R1", OwnerID: "alice", FilePath: "../../etc/passwd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A nil store would panic if reached.
			_, err := env.manager.Acquire(ctx, tt.req)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		const workers = 16

		var wg sync.WaitGroup
		results := make(chan error, workers)
		start := make(chan struct{})

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				<-start
				_, err := env.manager.Acquire(ctx, acquireReq("hot", owner, time.Minute))
				results <- err
			}(fmt.Sprintf("owner-%d", i))
		}
		close(start)
		wg.Wait()
		close(results)

		var won int
		for err := range results {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, apperrors.ErrResourceLocked)
		}
		assert.Equal(t, 1, won)

		active, err := env.manager.ListActive(ctx, "")
		require.NoError(t, err)
		assert.Len(t, active, 1)
		assert.Len(t, env.events.OfType(notify.EventLockAcquired), 1)
	})
}

func TestManager_Release(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		t.Run("releases and emits once", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", time.Hour))
			require.NoError(t, err)

			released, err := env.manager.Release(ctx, l.ID)
			require.NoError(t, err)
			assert.True(t, released.Released)
			require.NotNil(t, released.ReleasedAt)
			firstStamp := *released.ReleasedAt

			env.clock.Advance(time.Minute)
			again, err := env.manager.Release(ctx, l.ID)
			require.NoError(t, err)
			assert.True(t, again.Released)
			assert.True(t, firstStamp.Equal(*again.ReleasedAt))

			events := env.events.OfType(notify.EventLockReleased)
			require.Len(t, events, 1)
			assert.Equal(t, "R1", events[0].ResourceID)
			assert.Equal(t, "f.ts", events[0].FilePath)

			got, err := env.manager.Check(ctx, "R1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})

		t.Run("unknown lock", func(t *testing.T) {
			_, err := env.manager.Release(ctx, "does-not-exist")
			assert.ErrorIs(t, err, apperrors.ErrLockNotFound)
		})

		t.Run("empty lock id", func(t *testing.T) {
			_, err := env.manager.Release(ctx, "")
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})

		t.Run("resource can be reacquired after release", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R2", "alice", time.Hour))
			require.NoError(t, err)
			_, err = env.manager.Release(ctx, l.ID)
			require.NoError(t, err)

			next, err := env.manager.Acquire(ctx, acquireReq("R2", "bob", time.Hour))
			require.NoError(t, err)
			assert.Equal(t, "bob", next.OwnerID)
		})
	})
}

func TestManager_Check(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		got, err := env.manager.Check(ctx, "R1")
		require.NoError(t, err)
		assert.Nil(t, got)

		l, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", time.Minute))
		require.NoError(t, err)

		got, err = env.manager.Check(ctx, "R1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, l.ID, got.ID)

		// Expired but never swept
		env.clock.Advance(time.Minute)
		got, err = env.manager.Check(ctx, "R1")
		require.NoError(t, err)
		assert.Nil(t, got)

		stored, err := env.store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.False(t, stored.Released, "check must not mutate")
		assert.Len(t, env.events.Events(), 1)
	})
}

func TestManager_Extend(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		t.Run("extends from current expiry", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", 10*time.Minute))
			require.NoError(t, err)

			// Late renewal still adds to the old expiry, not to now.
			env.clock.Advance(11 * time.Minute)
			extended, err := env.manager.Extend(ctx, l.ID, 15*time.Minute)
			require.NoError(t, err)
			assert.True(t, l.ExpiresAt.Add(15*time.Minute).Equal(extended.ExpiresAt))

			again, err := env.manager.Extend(ctx, l.ID, time.Minute)
			require.NoError(t, err)
			assert.True(t, again.ExpiresAt.After(extended.ExpiresAt))
		})

		t.Run("unknown lock", func(t *testing.T) {
			_, err := env.manager.Extend(ctx, "does-not-exist", time.Minute)
			assert.ErrorIs(t, err, apperrors.ErrLockNotFound)
		})

		t.Run("non-positive duration", func(t *testing.T) {
			l, err := env.manager.Acquire(ctx, acquireReq("R2", "alice", time.Minute))
			require.NoError(t, err)

			_, err = env.manager.Extend(ctx, l.ID, 0)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			_, err = env.manager.Extend(ctx, l.ID, -time.Minute)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	})
}

func TestManager_CleanupExpiredLocks(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		a, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", time.Minute))
		require.NoError(t, err)
		b, err := env.manager.Acquire(ctx, acquireReq("R2", "bob", 2*time.Minute))
		require.NoError(t, err)
		c, err := env.manager.Acquire(ctx, acquireReq("R3", "carol", time.Hour))
		require.NoError(t, err)

		env.clock.Advance(3 * time.Minute)

		n, err := env.manager.CleanupExpiredLocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = env.manager.CleanupExpiredLocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		for _, id := range []string{a.ID, b.ID} {
			l, err := env.store.GetLock(ctx, id)
			require.NoError(t, err)
			assert.True(t, l.Released)
			assert.True(t, env.clock.Now().Equal(*l.ReleasedAt))
		}

		still, err := env.manager.Check(ctx, "R3")
		require.NoError(t, err)
		require.NotNil(t, still)
		assert.Equal(t, c.ID, still.ID)
	})
}

func TestManager_CleanupAgreesWithCheck(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		l, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", time.Minute))
		require.NoError(t, err)

		env.clock.Advance(time.Minute + 500*time.Microsecond)

		current, err := env.manager.Check(ctx, "R1")
		require.NoError(t, err)
		assert.Nil(t, current)

		n, err := env.manager.CleanupExpiredLocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := env.store.GetLock(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, got.Released)
	})
}

func TestManager_ApproachingExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		soon, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", 3*time.Minute))
		require.NoError(t, err)
		_, err = env.manager.Acquire(ctx, acquireReq("R2", "bob", 10*time.Minute))
		require.NoError(t, err)

		// Released and already-expired locks never show up.
		gone, err := env.manager.Acquire(ctx, acquireReq("R3", "carol", 2*time.Minute))
		require.NoError(t, err)
		_, err = env.manager.Release(ctx, gone.ID)
		require.NoError(t, err)
		_, err = env.manager.Acquire(ctx, acquireReq("R4", "dave", time.Second))
		require.NoError(t, err)

		env.clock.Advance(time.Second)

		locks, err := env.manager.ApproachingExpiry(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, soon.ID, locks[0].ID)

		_, err = env.manager.ApproachingExpiry(ctx, -time.Minute)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}

func TestManager_ForceRelease(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		t.Run("releases regardless of owner", func(t *testing.T) {
			_, err := env.manager.Acquire(ctx, acquireReq("R1", "carol", time.Hour))
			require.NoError(t, err)

			l, err := env.manager.ForceRelease(ctx, "R1")
			require.NoError(t, err)
			assert.True(t, l.Released)
			require.NotNil(t, l.ReleasedAt)
			assert.Equal(t, "carol", l.OwnerID)

			got, err := env.manager.Check(ctx, "R1")
			require.NoError(t, err)
			assert.Nil(t, got)

			events := env.events.OfType(notify.EventLockReleased)
			require.Len(t, events, 1)
			assert.Equal(t, "R1", events[0].ResourceID)
		})

		t.Run("no lock", func(t *testing.T) {
			_, err := env.manager.ForceRelease(ctx, "nothing-here")
			assert.ErrorIs(t, err, apperrors.ErrLockNotFound)
		})

		t.Run("only an expired lock", func(t *testing.T) {
			_, err := env.manager.Acquire(ctx, acquireReq("R2", "alice", time.Minute))
			require.NoError(t, err)
			env.clock.Advance(2 * time.Minute)

			_, err = env.manager.ForceRelease(ctx, "R2")
			assert.ErrorIs(t, err, apperrors.ErrLockNotFound)
		})
	})
}

func TestManager_ListActiveAndHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		first, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", time.Hour))
		require.NoError(t, err)
		_, err = env.manager.Release(ctx, first.ID)
		require.NoError(t, err)

		env.clock.Advance(time.Second)
		second, err := env.manager.Acquire(ctx, acquireReq("R1", "bob", time.Hour))
		require.NoError(t, err)

		other := acquireReq("R2", "carol", time.Hour)
		other.ProjectID = "proj-2"
		_, err = env.manager.Acquire(ctx, other)
		require.NoError(t, err)

		all, err := env.manager.ListActive(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		scoped, err := env.manager.ListActive(ctx, "proj-2")
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, "R2", scoped[0].ResourceID)

		history, err := env.manager.History(ctx, "R1", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, second.ID, history[0].ID)
		assert.Equal(t, first.ID, history[1].ID)

		limited, err := env.manager.History(ctx, "R1", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, second.ID, limited[0].ID)
	})
}

// failingStore fails every read of the open lock.
type failingStore struct {
	state.LeaseStore
	err error
}

func (f *failingStore) GetOpenLock(ctx context.Context, resourceID string) (*state.Lock, error) {
	return nil, f.err
}

func TestManager_StoreErrorsAreWrapped(t *testing.T) {
	boom := errors.New("disk on fire")
	m := NewManager(&failingStore{err: boom})
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.Operations.WithLabelValues("acquire", metrics.ResultError))

	_, err := m.Acquire(ctx, acquireReq("R1", "alice", time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, apperrors.ErrResourceLocked)

	_, err = m.Check(ctx, "R1")
	assert.ErrorIs(t, err, boom)

	_, err = m.ForceRelease(ctx, "R1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, apperrors.ErrLockNotFound)

	after := testutil.ToFloat64(metrics.Operations.WithLabelValues("acquire", metrics.ResultError))
	assert.Equal(t, before+1, after)
}

// racingStore reports the resource free but always loses the insert.
type racingStore struct {
	state.LeaseStore
	creates int
}

func (r *racingStore) GetOpenLock(ctx context.Context, resourceID string) (*state.Lock, error) {
	return nil, apperrors.ErrLockNotFound
}

func (r *racingStore) CreateLock(ctx context.Context, l *state.Lock) error {
	r.creates++
	return apperrors.ErrLockHeld
}

func TestManager_AcquireGivesUpAfterBoundedRetries(t *testing.T) {
	store := &racingStore{}
	m := NewManager(store)

	_, err := m.Acquire(context.Background(), acquireReq("R1", "alice", time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrResourceLocked)
	assert.Equal(t, maxAcquireAttempts, store.creates)
}

// renewingStore has the holder extend the lease just before the manager's
// stale eviction reaches the store.
type renewingStore struct {
	state.LeaseStore
	by      time.Duration
	renewed *state.Lock
}

func (r *renewingStore) ReleaseExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	if r.renewed == nil {
		l, err := r.LeaseStore.ExtendLock(ctx, id, r.by)
		if err != nil {
			return false, err
		}
		r.renewed = l
	}
	return r.LeaseStore.ReleaseExpiredLock(ctx, id, now)
}

func TestManager_AcquireDoesNotEvictRenewedLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()

		alice, err := env.manager.Acquire(ctx, acquireReq("R1", "alice", time.Minute))
		require.NoError(t, err)
		env.clock.Advance(time.Minute + time.Second)

		store := &renewingStore{LeaseStore: env.store, by: 30 * time.Minute}
		m := NewManager(store, WithClock(env.clock.Now), WithPublisher(env.events))

		_, err = m.Acquire(ctx, acquireReq("R1", "bob", 30*time.Minute))
		assert.ErrorIs(t, err, apperrors.ErrResourceLocked)

		require.NotNil(t, store.renewed)
		assert.True(t, store.renewed.IsActive(env.clock.Now()))

		got, err := env.store.GetLock(ctx, alice.ID)
		require.NoError(t, err)
		assert.False(t, got.Released)

		current, err := m.Check(ctx, "R1")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, alice.ID, current.ID)
		assert.Equal(t, "alice", current.OwnerID)
	})
}

func TestNewManager_Options(t *testing.T) {
	m := NewManager(nil, WithDefaultDuration(5*time.Minute), WithClock(nil), WithLogger(nil), WithPublisher(nil))
	assert.Equal(t, 5*time.Minute, m.DefaultLeaseDuration())
	assert.NotNil(t, m.now)
	assert.NotNil(t, m.logger)
	assert.NotNil(t, m.publisher)

	m = NewManager(nil, WithDefaultDuration(-time.Minute))
	assert.Equal(t, DefaultDuration, m.DefaultLeaseDuration())
}
