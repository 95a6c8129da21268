package errs

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStateConflict signals a guarded transition that matched no row:
	// the task moved to another state between read and write.
	ErrStateConflict = errors.New("state conflict")
	// ErrAlreadyTerminal signals an update against a task that has already
	// reached completed, failed, or cancelled.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrStoreUnavailable signals the durable store cannot be reached.
	ErrStoreUnavailable = errors.New("task store unavailable")
	// ErrLogUnavailable signals the work log cannot be reached.
	ErrLogUnavailable = errors.New("work log unavailable")
)
