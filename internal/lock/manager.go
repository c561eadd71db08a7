// Package lock implements the lease lifecycle for scriptlock resources:
// acquisition, renewal, release, expiry and administrative override.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/metrics"
	"github.com/pbparthas/scriptlock/internal/notify"
	"github.com/pbparthas/scriptlock/internal/state"
	"github.com/pbparthas/scriptlock/internal/validate"
)

var tracer = otel.Tracer("github.com/pbparthas/scriptlock/internal/lock")

// DefaultDuration is the lease length used when a request does not set one.
const DefaultDuration = 30 * time.Minute

// maxAcquireAttempts bounds the read-evaluate-create loop in Acquire.
const maxAcquireAttempts = 3

// Publisher receives lock events. Implementations must not block.
type Publisher interface {
	Publish(event notify.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(notify.Event) {}

// AcquireRequest describes a lease request.
type AcquireRequest struct {
	ResourceID string
	OwnerID    string
	ProjectID  string
	FilePath   string
	// Duration is the lease length; zero selects the manager default.
	Duration time.Duration
}

// Manager runs the lock state machine against a LeaseStore. It keeps no
// lock state of its own; every call re-reads the store.
type Manager struct {
	store           state.LeaseStore
	now             func() time.Time
	logger          *slog.Logger
	publisher       Publisher
	defaultDuration time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPublisher sets where lock events go.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithDefaultDuration sets the lease length for requests without one.
func WithDefaultDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultDuration = d
		}
	}
}

// NewManager creates a lock manager over store.
func NewManager(store state.LeaseStore, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		now:             time.Now,
		logger:          slog.New(slog.DiscardHandler),
		publisher:       nopPublisher{},
		defaultDuration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultLeaseDuration returns the lease length applied to requests without one.
func (m *Manager) DefaultLeaseDuration() time.Duration {
	return m.defaultDuration
}

// Acquire grants req.OwnerID a lease on req.ResourceID.
//
// An active lease held by the same owner is returned unchanged. An active
// lease held by someone else yields ErrResourceLocked. An expired lease that
// was never released is released first and replaced.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (l *state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.Acquire", trace.WithAttributes(
		attribute.String("scriptlock.resource", req.ResourceID),
		attribute.String("scriptlock.owner", req.OwnerID),
	))
	defer m.finish(span, "acquire", time.Now(), &err)

	if err := validate.Acquire(validate.AcquireInput{
		ResourceID: req.ResourceID,
		OwnerID:    req.OwnerID,
		ProjectID:  req.ProjectID,
		FilePath:   req.FilePath,
		Duration:   req.Duration,
	}); err != nil {
		return nil, err
	}

	duration := req.Duration
	if duration == 0 {
		duration = m.defaultDuration
	}

	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		now := m.now()

		open, err := m.store.GetOpenLock(ctx, req.ResourceID)
		switch {
		case err == nil:
			if open.IsActive(now) {
				if open.OwnerID == req.OwnerID {
					span.SetAttributes(attribute.Bool("scriptlock.reacquired", true))
					return open, nil
				}
				return nil, fmt.Errorf("%w: %s is held by %s until %s",
					apperrors.ErrResourceLocked, req.ResourceID, open.OwnerID, open.ExpiresAt.Format(time.RFC3339))
			}
			evicted, err := m.evict(ctx, open, now)
			if err != nil {
				return nil, err
			}
			if !evicted {
				// Extended or released since the read; decide again on fresh state.
				m.logger.Debug("stale lock changed before eviction, re-reading", "resource", req.ResourceID, "attempt", attempt)
				continue
			}
		case errors.Is(err, apperrors.ErrLockNotFound):
		default:
			return nil, fmt.Errorf("failed to read lock for %s: %w", req.ResourceID, err)
		}

		l = &state.Lock{
			ResourceID: req.ResourceID,
			OwnerID:    req.OwnerID,
			ProjectID:  req.ProjectID,
			FilePath:   req.FilePath,
			AcquiredAt: now,
			ExpiresAt:  now.Add(duration),
		}
		err = m.store.CreateLock(ctx, l)
		if err == nil {
			m.logger.Info("lock acquired",
				"lock_id", l.ID,
				"resource", l.ResourceID,
				"owner", l.OwnerID,
				"expires_at", l.ExpiresAt,
			)
			m.publish(notify.EventLockAcquired, l)
			return l, nil
		}
		if !errors.Is(err, apperrors.ErrLockHeld) {
			return nil, fmt.Errorf("failed to create lock for %s: %w", req.ResourceID, err)
		}
		m.logger.Debug("lost acquire race, re-reading", "resource", req.ResourceID, "attempt", attempt)
	}

	return nil, fmt.Errorf("%w: %s is contended", apperrors.ErrResourceLocked, req.ResourceID)
}

// evict releases an expired lease that is still marked open. The store
// re-checks expiry in the same write, so a lease its holder extended after
// our read survives and evict reports false.
func (m *Manager) evict(ctx context.Context, stale *state.Lock, now time.Time) (bool, error) {
	released, err := m.store.ReleaseExpiredLock(ctx, stale.ID, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to release expired lock %s: %w", stale.ID, err)
	}
	if released {
		m.logger.Info("released expired lock",
			"lock_id", stale.ID,
			"resource", stale.ResourceID,
			"owner", stale.OwnerID,
			"expired_at", stale.ExpiresAt,
		)
	}
	return released, nil
}

// Release marks the lock released. Releasing an already released lock
// returns the stored record without a second event.
func (m *Manager) Release(ctx context.Context, lockID string) (l *state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.Release", trace.WithAttributes(attribute.String("scriptlock.lock_id", lockID)))
	defer m.finish(span, "release", time.Now(), &err)

	if err := validate.LockID(lockID); err != nil {
		return nil, err
	}

	released, err := m.store.ReleaseLock(ctx, lockID, m.now())
	if err != nil {
		if errors.Is(err, apperrors.ErrLockNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrLockNotFound, lockID)
		}
		return nil, fmt.Errorf("failed to release lock %s: %w", lockID, err)
	}

	l, err = m.store.GetLock(ctx, lockID)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", lockID, err)
	}

	if released {
		m.logger.Info("lock released", "lock_id", l.ID, "resource", l.ResourceID, "owner", l.OwnerID)
		m.publish(notify.EventLockReleased, l)
	}
	return l, nil
}

// Check returns the active lock on resourceID, or nil when there is none.
// Expired locks are reported as absent whether or not they were swept.
func (m *Manager) Check(ctx context.Context, resourceID string) (l *state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.Check", trace.WithAttributes(attribute.String("scriptlock.resource", resourceID)))
	defer m.finish(span, "check", time.Now(), &err)

	if err := validate.ResourceID(resourceID); err != nil {
		return nil, err
	}

	open, err := m.store.GetOpenLock(ctx, resourceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock for %s: %w", resourceID, err)
	}
	if !open.IsActive(m.now()) {
		return nil, nil
	}
	return open, nil
}

// Extend pushes the lock's expiry forward by additional, measured from its
// current expiry. Ownership is not checked.
func (m *Manager) Extend(ctx context.Context, lockID string, additional time.Duration) (l *state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.Extend", trace.WithAttributes(
		attribute.String("scriptlock.lock_id", lockID),
		attribute.Int64("scriptlock.additional_ms", additional.Milliseconds()),
	))
	defer m.finish(span, "extend", time.Now(), &err)

	if err := validate.LockID(lockID); err != nil {
		return nil, err
	}
	if err := validate.Extension(additional); err != nil {
		return nil, err
	}

	l, err = m.store.ExtendLock(ctx, lockID, additional)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrLockNotFound, lockID)
		}
		return nil, fmt.Errorf("failed to extend lock %s: %w", lockID, err)
	}

	m.logger.Info("lock extended", "lock_id", l.ID, "resource", l.ResourceID, "expires_at", l.ExpiresAt)
	return l, nil
}

// CleanupExpiredLocks releases every expired lock still marked open and
// returns how many it released.
func (m *Manager) CleanupExpiredLocks(ctx context.Context) (n int64, err error) {
	ctx, span := tracer.Start(ctx, "Manager.CleanupExpiredLocks")
	defer m.finish(span, "cleanup", time.Now(), &err)

	n, err = m.store.ReleaseExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}

	span.SetAttributes(attribute.Int64("scriptlock.released", n))
	if n > 0 {
		metrics.SweptLocks.Add(float64(n))
		m.logger.Info("released expired locks", "count", n)
	}
	return n, nil
}

// ApproachingExpiry lists active locks expiring within threshold, soonest first.
func (m *Manager) ApproachingExpiry(ctx context.Context, threshold time.Duration) (locks []*state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.ApproachingExpiry")
	defer m.finish(span, "approaching_expiry", time.Now(), &err)

	if err := validate.Threshold(threshold); err != nil {
		return nil, err
	}

	now := m.now()
	locks, err = m.store.ListExpiring(ctx, now, now.Add(threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring locks: %w", err)
	}

	// The store range is (now, now+threshold]; re-apply the activity rule
	// against this call's clock.
	out := locks[:0]
	for _, l := range locks {
		if l.IsActive(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// ForceRelease releases the active lock on resourceID regardless of owner.
func (m *Manager) ForceRelease(ctx context.Context, resourceID string) (l *state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.ForceRelease", trace.WithAttributes(attribute.String("scriptlock.resource", resourceID)))
	defer m.finish(span, "force_release", time.Now(), &err)

	if err := validate.ResourceID(resourceID); err != nil {
		return nil, err
	}

	now := m.now()
	open, err := m.store.GetOpenLock(ctx, resourceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockNotFound) {
			return nil, fmt.Errorf("%w: no active lock on %s", apperrors.ErrLockNotFound, resourceID)
		}
		return nil, fmt.Errorf("failed to read lock for %s: %w", resourceID, err)
	}
	if !open.IsActive(now) {
		return nil, fmt.Errorf("%w: no active lock on %s", apperrors.ErrLockNotFound, resourceID)
	}

	released, err := m.store.ReleaseLock(ctx, open.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release lock %s: %w", open.ID, err)
	}
	if !released {
		// Someone else released it between our read and write.
		return nil, fmt.Errorf("%w: no active lock on %s", apperrors.ErrLockNotFound, resourceID)
	}

	l, err = m.store.GetLock(ctx, open.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", open.ID, err)
	}

	m.logger.Warn("lock force-released", "lock_id", l.ID, "resource", l.ResourceID, "owner", l.OwnerID)
	m.publish(notify.EventLockReleased, l)
	return l, nil
}

// ListActive returns every active lock, optionally limited to one project.
func (m *Manager) ListActive(ctx context.Context, projectID string) (locks []*state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.ListActive")
	defer m.finish(span, "list_active", time.Now(), &err)

	if err := validate.ProjectID(projectID); err != nil {
		return nil, err
	}

	locks, err = m.store.ListActive(ctx, m.now(), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	return locks, nil
}

// History returns the locks ever taken on resourceID, newest first.
// A limit of zero or less returns the whole trail.
func (m *Manager) History(ctx context.Context, resourceID string, limit int) (locks []*state.Lock, err error) {
	ctx, span := tracer.Start(ctx, "Manager.History", trace.WithAttributes(attribute.String("scriptlock.resource", resourceID)))
	defer m.finish(span, "history", time.Now(), &err)

	if err := validate.ResourceID(resourceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	locks, err = m.store.ListHistory(ctx, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", resourceID, err)
	}
	return locks, nil
}

func (m *Manager) publish(t notify.EventType, l *state.Lock) {
	event := notify.Event{
		Type:       t,
		ProjectID:  l.ProjectID,
		ResourceID: l.ResourceID,
		FilePath:   l.FilePath,
		LockID:     l.ID,
		Timestamp:  m.now(),
	}
	if t == notify.EventLockAcquired {
		event.OwnerID = l.OwnerID
		event.ExpiresAt = l.ExpiresAt
	}
	m.publisher.Publish(event)
}

func (m *Manager) finish(span trace.Span, op string, start time.Time, errp *error) {
	err := *errp
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.Operations.WithLabelValues(op, resultOf(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, apperrors.ErrResourceLocked):
		return metrics.ResultConflict
	case errors.Is(err, apperrors.ErrLockNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, apperrors.ErrInvalidInput):
		return metrics.ResultInvalid
	default:
		return metrics.ResultError
	}
}
