package models

import "errors"

// Error taxonomy shared across the scheduler, engine and orchestrator.
// Matched with errors.Is; wrap with fmt.Errorf("%w: ...").
var (
	// ErrInvalidArgument marks a caller error: bad workspace path, malformed
	// input. Fails fast, no side effects.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks an unknown job or execution id.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks a subprocess that exceeded its wall-clock bound. The
	// process is always terminated before this error propagates.
	ErrTimeout = errors.New("timeout")

	// ErrExecutionFailure marks a non-zero subprocess exit, recoverable via
	// retry.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrInvalidConfiguration marks a pipeline configuration missing required
	// fields. Raised before any workspace is created.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
