package sweep

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pbparthas/scriptlock/internal/errors"
)

const (
	guardLockName = "sweeper.lock"
	guardPIDName  = "sweeper.pid"
)

// Guard is held by the one sweeper allowed per data directory.
type Guard struct {
	flock    *flock.Flock
	pidFile  string
	lockPath string
}

// AcquireGuard takes the sweeper guard for dataDir without waiting.
// It fails with errors.ErrSweeperRunning when another live process holds it.
func AcquireGuard(dataDir string) (*Guard, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lockPath := filepath.Join(dataDir, guardLockName)
	pidFile := filepath.Join(dataDir, guardPIDName)

	cleanStaleGuard(pidFile, lockPath)

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to try sweeper guard: %w", err)
	}
	if !locked {
		if pid, err := readPIDFile(pidFile); err == nil {
			return nil, fmt.Errorf("%w: held by PID %d", errors.ErrSweeperRunning, pid)
		}
		return nil, errors.ErrSweeperRunning
	}

	if err := writePIDFile(pidFile); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return &Guard{flock: fl, pidFile: pidFile, lockPath: lockPath}, nil
}

// Holder reports whether a sweeper holds the guard for dataDir, and its PID
// when known.
func Holder(dataDir string) (bool, int, error) {
	lockPath := filepath.Join(dataDir, guardLockName)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return false, 0, nil
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check sweeper guard: %w", err)
	}
	if locked {
		fl.Unlock()
		return false, 0, nil
	}

	pid, err := readPIDFile(filepath.Join(dataDir, guardPIDName))
	if err != nil {
		return true, 0, nil
	}
	return true, pid, nil
}

// Release gives up the guard.
func (g *Guard) Release() error {
	os.Remove(g.pidFile)

	if err := g.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release sweeper guard: %w", err)
	}

	os.Remove(g.lockPath)
	return nil
}

// cleanStaleGuard removes guard files left by a process that no longer runs.
func cleanStaleGuard(pidFile, lockPath string) {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return
	}
	if isProcessRunning(pid) {
		return
	}
	os.Remove(pidFile)
	os.Remove(lockPath)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds; signal 0 probes for existence.
	err = proc.Signal(os.Signal(nil))
	if err == nil {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "process already finished") ||
		strings.Contains(errStr, "no such process") ||
		strings.Contains(errStr, "Access is denied") {
		return false
	}

	// Unknown: assume alive
	return true
}
