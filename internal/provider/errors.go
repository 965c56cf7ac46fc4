package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by adapters. Callers match with errors.Is.
var (
	// ErrNotInitialized is returned when an adapter is used before
	// Initialize succeeded. Programming error, not retryable.
	ErrNotInitialized = errors.New("provider not initialized")

	// ErrProviderUnavailable means the backend is unreachable or
	// misconfigured. Fatal for the current attempt, retryable later.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrSandboxNotFound means the target sandbox id is unknown or has
	// expired backend-side.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrFileNotFound means the requested path does not exist in the
	// sandbox filesystem.
	ErrFileNotFound = errors.New("file not found")

	// ErrQuotaExceeded means the backend refused to provision another
	// sandbox for this account.
	ErrQuotaExceeded = errors.New("sandbox quota exceeded")

	// ErrTemplateNotFound means the requested template id is unknown to
	// the backend.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrResumeFailed means the backend rejected restarting a stopped
	// sandbox.
	ErrResumeFailed = errors.New("sandbox resume failed")

	// ErrCommandTimeout means a command did not complete within
	// CommandOptions.Timeout.
	ErrCommandTimeout = errors.New("command timed out")
)

// CommandError reports a command that ran but failed. Partial output is
// carried so callers can surface it to the user.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// OpError wraps a transport-level failure with the adapter and operation
// that produced it.
type OpError struct {
	Provider string
	Op       string
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
