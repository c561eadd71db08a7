// Package errors provides sentinel errors for scriptlock operations.
package errors

import "errors"

// Lock errors
var (
	// ErrLockNotFound indicates the referenced lock, or an active lock for a resource, does not exist.
	ErrLockNotFound = errors.New("lock not found")

	// ErrResourceLocked indicates another owner holds an active lock on the resource.
	ErrResourceLocked = errors.New("resource is locked by another owner")

	// ErrInvalidInput indicates a request with missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Guarded run errors
var (
	// ErrLeaseLost indicates a lease held for a running command was released or expired underneath it.
	ErrLeaseLost = errors.New("lease lost while command was running")

	// ErrNoCommand indicates a guarded run was requested without a command.
	ErrNoCommand = errors.New("no command given")
)

// Store errors
var (
	// ErrLockHeld indicates the store refused to create a lock because an
	// unreleased lock already exists for the resource.
	ErrLockHeld = errors.New("an unreleased lock already exists for resource")

	// ErrUnknownStoreDriver indicates the configured store driver is not supported.
	ErrUnknownStoreDriver = errors.New("unknown store driver")
)

// Sweep errors
var (
	// ErrSweeperRunning indicates another sweeper already holds the data directory guard.
	ErrSweeperRunning = errors.New("another sweeper is running for this data directory")
)

// Git errors
var (
	// ErrNotGitRepo indicates the path is not inside a git work tree.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrOutsideRepo indicates a file path lies outside the repository it was resolved against.
	ErrOutsideRepo = errors.New("path is outside the repository")
)
