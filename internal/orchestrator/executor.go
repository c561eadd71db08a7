// Package orchestrator runs commands under a lease, keeping the lease alive
// for as long as the command runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/lock"
	"github.com/pbparthas/scriptlock/internal/state"
)

const releaseTimeout = 10 * time.Second

// LeaseManager is the part of the lock manager a guarded run needs.
type LeaseManager interface {
	Acquire(ctx context.Context, req lock.AcquireRequest) (*state.Lock, error)
	Extend(ctx context.Context, lockID string, additional time.Duration) (*state.Lock, error)
	Release(ctx context.Context, lockID string) (*state.Lock, error)
}

var _ LeaseManager = (*lock.Manager)(nil)

// RunOptions contains options for a guarded run.
type RunOptions struct {
	Lease   lock.AcquireRequest
	Command []string
	Dir     string
	Env     []string
	// Heartbeat is how often the lease is extended, by the same amount.
	// Zero uses a third of the lease duration.
	Heartbeat time.Duration
	Stdin     io.Reader
	Stdout    io.Writer // If nil, uses os.Stdout
	Stderr    io.Writer // If nil, uses os.Stderr
	OnStatus  func(msg string)
	OnVerbose func(msg string)
}

// RunResult describes a finished guarded run.
type RunResult struct {
	Lock       *state.Lock
	ExitCode   int
	Duration   time.Duration
	Extensions int
	// Reused is set when the owner already held the lease before the run;
	// such a lease is left in place afterwards.
	Reused bool
}

// Executor runs commands under leases.
type Executor struct {
	leases LeaseManager
	now    func() time.Time
}

// NewExecutor creates an Executor backed by leases.
func NewExecutor(leases LeaseManager) *Executor {
	return &Executor{leases: leases, now: time.Now}
}

// Run acquires the lease, runs the command while extending the lease on every
// heartbeat, and releases the lease when the command exits. A non-zero exit
// is reported through RunResult.ExitCode, not as an error. If the lease is
// lost mid-run the command is killed and ErrLeaseLost returned.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	onStatus := opts.OnStatus
	if onStatus == nil {
		onStatus = func(msg string) {}
	}
	onVerbose := opts.OnVerbose
	if onVerbose == nil {
		onVerbose = func(msg string) {}
	}

	if len(opts.Command) == 0 {
		return nil, apperrors.ErrNoCommand
	}

	start := e.now()
	l, err := e.leases.Acquire(ctx, opts.Lease)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Lock: l, Reused: l.AcquiredAt.Before(start.Truncate(time.Millisecond))}
	onStatus(fmt.Sprintf("Acquired %s until %s", l.ResourceID, l.ExpiresAt.Local().Format("15:04:05")))

	if !result.Reused {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if _, err := e.leases.Release(releaseCtx, l.ID); err != nil {
				onStatus(fmt.Sprintf("Warning: failed to release %s: %v", l.ResourceID, err))
				return
			}
			onVerbose(fmt.Sprintf("Released %s", l.ResourceID))
		}()
	} else {
		onVerbose("Lease was already held by this owner; it will not be released after the run")
	}

	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = l.ExpiresAt.Sub(l.AcquiredAt) / 3
	}
	if heartbeat <= 0 {
		heartbeat = time.Second
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.CommandContext(runCtx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "SCRIPTLOCK_LOCK_ID="+l.ID, "SCRIPTLOCK_RESOURCE="+l.ResourceID)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = writerOr(opts.Stdout, os.Stdout)
	cmd.Stderr = writerOr(opts.Stderr, os.Stderr)

	onVerbose(fmt.Sprintf("Running %v (heartbeat %s)", opts.Command, heartbeat))
	if err := cmd.Start(); err != nil {
		return result, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ticker.C:
			extended, err := e.leases.Extend(ctx, l.ID, heartbeat)
			// A released lease, or one that had already expired before this
			// extension, may now belong to someone else.
			if err == nil && (extended.Released || !extended.ExpiresAt.Add(-heartbeat).After(e.now())) {
				err = apperrors.ErrLockNotFound
			}
			if err != nil {
				onStatus(fmt.Sprintf("Lease on %s lost: %v", l.ResourceID, err))
				cancel(apperrors.ErrLeaseLost)
				waitErr = <-done
				break loop
			}
			result.Lock = extended
			result.Extensions++
			onVerbose(fmt.Sprintf("Extended %s until %s", l.ResourceID, extended.ExpiresAt.Local().Format("15:04:05")))
		}
	}

	result.Duration = e.now().Sub(start)

	if cause := context.Cause(runCtx); errors.Is(cause, apperrors.ErrLeaseLost) {
		result.ExitCode = exitCode(waitErr)
		return result, fmt.Errorf("%w: %s", apperrors.ErrLeaseLost, l.ResourceID)
	}
	if ctx.Err() != nil {
		result.ExitCode = exitCode(waitErr)
		return result, fmt.Errorf("run cancelled: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, fmt.Errorf("command failed: %w", waitErr)
	}
	result.ExitCode = exitCode(waitErr)

	onStatus(fmt.Sprintf("Command exited with status %d after %s", result.ExitCode, result.Duration.Round(time.Millisecond)))
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}
