package mpm

import "errors"

// Sentinel errors for the Manager's failure taxonomy.
// Callers match these with errors.Is rather than string comparison.
var (
	// ErrInvalidConfig is returned by New when the supplied Config fails its
	// cross-invariants.
	ErrInvalidConfig = errors.New("mpm: invalid configuration")

	// ErrAlreadyRunning is returned by Run when called a second time on the
	// same Manager.
	ErrAlreadyRunning = errors.New("mpm: manager already running")

	// ErrNotRunning is returned by operations that require a running
	// Manager (e.g. RestartWorkers) when called before Run or after Stop.
	ErrNotRunning = errors.New("mpm: manager not running")

	// ErrPlatformUnsupported is returned when the configured worker model
	// has no implementation on the current platform (Forked on Windows).
	ErrPlatformUnsupported = errors.New("mpm: worker model unsupported on this platform")
)
