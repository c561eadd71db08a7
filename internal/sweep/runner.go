// Package sweep periodically releases expired leases and warns holders of
// leases about to expire.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pbparthas/scriptlock/internal/metrics"
	"github.com/pbparthas/scriptlock/internal/notify"
	"github.com/pbparthas/scriptlock/internal/state"
)

// Defaults for Config fields left zero.
const (
	DefaultInterval      = 5 * time.Minute
	DefaultWarnThreshold = 5 * time.Minute
)

// Sweeper is the subset of the lock manager the runner drives.
type Sweeper interface {
	CleanupExpiredLocks(ctx context.Context) (int64, error)
	ApproachingExpiry(ctx context.Context, threshold time.Duration) ([]*state.Lock, error)
}

// Publisher receives lock_expiring events.
type Publisher interface {
	Publish(event notify.Event)
}

// Config controls a Runner.
type Config struct {
	Interval time.Duration
	// WarnThreshold is how far ahead of expiry a warning is sent.
	// Zero disables warnings.
	WarnThreshold time.Duration
}

// Result summarises one sweep pass.
type Result struct {
	Released int64
	Warned   int
}

// Runner invokes cleanup on a fixed interval.
type Runner struct {
	sweeper   Sweeper
	publisher Publisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	// warned maps lock id to the expiry a warning was sent for.
	warned map[string]time.Time
}

// NewRunner creates a sweep runner. publisher may be nil.
func NewRunner(sweeper Sweeper, publisher Publisher, logger *slog.Logger, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WarnThreshold < 0 {
		cfg.WarnThreshold = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		sweeper:   sweeper,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		warned:    make(map[string]time.Time),
	}
}

// Interval returns the configured sweep interval.
func (r *Runner) Interval() time.Duration {
	return r.cfg.Interval
}

// Run sweeps immediately and then on every tick until ctx is done.
// A failed pass is logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sweeper started", "interval", r.cfg.Interval, "warn_threshold", r.cfg.WarnThreshold)
	defer r.logger.Info("sweeper stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("sweep failed", "error", err)
		return
	}
	if res.Released > 0 || res.Warned > 0 {
		r.logger.Info("sweep complete", "released", res.Released, "warned", res.Warned)
	}
}

// RunOnce performs a single sweep: release expired leases, then warn about
// those expiring within the threshold. Each lease is warned about once per
// expiry value, so extending a lease re-arms its warning.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	n, err := r.sweeper.CleanupExpiredLocks(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to clean up expired locks: %w", err)
	}
	res.Released = n

	if r.cfg.WarnThreshold == 0 || r.publisher == nil {
		return res, nil
	}

	expiring, err := r.sweeper.ApproachingExpiry(ctx, r.cfg.WarnThreshold)
	if err != nil {
		return res, fmt.Errorf("failed to list expiring locks: %w", err)
	}

	seen := make(map[string]struct{}, len(expiring))
	for _, l := range expiring {
		seen[l.ID] = struct{}{}
		if at, ok := r.warned[l.ID]; ok && at.Equal(l.ExpiresAt) {
			continue
		}
		r.warned[l.ID] = l.ExpiresAt

		r.publisher.Publish(notify.Event{
			Type:       notify.EventLockExpiring,
			ProjectID:  l.ProjectID,
			ResourceID: l.ResourceID,
			FilePath:   l.FilePath,
			OwnerID:    l.OwnerID,
			LockID:     l.ID,
			ExpiresAt:  l.ExpiresAt,
			Timestamp:  r.now(),
			Details: map[string]string{
				"remaining": l.Remaining(r.now()).Round(time.Second).String(),
			},
		})
		metrics.ExpiryWarnings.Inc()
		res.Warned++
	}

	// Forget leases that left the window (released, expired or extended past it).
	for id := range r.warned {
		if _, ok := seen[id]; !ok {
			delete(r.warned, id)
		}
	}

	return res, nil
}
