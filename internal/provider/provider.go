// Package provider defines the backend-agnostic sandbox contract: the
// Provider interface implemented once per vendor, the Sandbox handle bound
// to one running environment, and the result types shared between them.
package provider

import (
	"context"
	"time"
)

// Status values reported in SandboxInfo.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

// ProviderConfig holds the credentials and endpoint for one backend. Owned
// by the Registry for the process lifetime.
type ProviderConfig struct {
	Name     string
	APIKey   string
	Endpoint string
	// Extra carries adapter-specific settings (e.g. the microvm guest CIDR).
	Extra map[string]string
}

// SandboxConfig describes a new sandbox request. Immutable once submitted.
type SandboxConfig struct {
	TemplateID string
	VCPUs      int
	MemoryMB   int
	Timeout    time.Duration
	Metadata   map[string]string
}

// SandboxInfo is a read-only snapshot of one sandbox. Refreshed by calling
// Provider.GetInfo again, never mutated in place.
type SandboxInfo struct {
	ID           string
	Provider     string
	Status       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// ConnectOptions configures a single Connect or Resume call.
type ConnectOptions struct {
	Timeout time.Duration
}

// TerminationOptions configures a single Terminate call. With Strict set,
// terminating an unknown id is an error instead of a no-op success.
type TerminationOptions struct {
	Strict bool
	Force  bool
}

// CleanupResult reports the outcome of a termination. Err is carried in the
// result rather than returned so cleanup paths can log and move on.
type CleanupResult struct {
	SandboxID string
	Destroyed bool
	Err       error
}

// File is one path plus content for a sandbox write. Mode 0 means the
// adapter default.
type File struct {
	Path    string
	Content []byte
	Mode    uint32
}

// FileInfo describes one entry in the sandbox filesystem.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    uint32
	IsDir   bool
	ModTime time.Time
}

// FileOperationResult is the per-file outcome of a batch write.
type FileOperationResult struct {
	Path string
	Err  error
}

// BatchFileOperationResult enumerates per-file outcomes. A batch is not
// transactional: one file failing never masks another succeeding.
type BatchFileOperationResult struct {
	Results   []FileOperationResult
	Succeeded int
	Failed    int
}

// FirstError returns the first per-file failure, or nil.
func (b BatchFileOperationResult) FirstError() error {
	for _, r := range b.Results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// CommandOptions configures one command execution.
type CommandOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// PreviewInfo is the externally reachable address for a sandbox port, plus
// an optional signed access token minted by the backend.
type PreviewInfo struct {
	URL   string
	Token string
}

// Provider is implemented once per sandbox backend. Initialize must be
// called before any other method; methods called earlier fail with
// ErrNotInitialized.
type Provider interface {
	// Name identifies the adapter (e.g. "e2b", "microvm").
	Name() string

	// Initialize validates credentials and endpoint reachability.
	Initialize(ctx context.Context, cfg ProviderConfig) error

	// Create provisions a new sandbox.
	Create(ctx context.Context, cfg SandboxConfig) (Sandbox, error)

	// Connect attaches to an already-running sandbox.
	Connect(ctx context.Context, id string, opts ConnectOptions) (Sandbox, error)

	// Resume restarts a stopped (not destroyed) sandbox.
	Resume(ctx context.Context, id string, opts ConnectOptions) (Sandbox, error)

	// List enumerates this backend's sandboxes. Listing is advisory: an
	// adapter that cannot enumerate logs and returns an empty slice, it
	// never fails the caller.
	List(ctx context.Context) []SandboxInfo

	// GetInfo fetches a fresh snapshot for one sandbox.
	GetInfo(ctx context.Context, id string) (SandboxInfo, error)

	// Terminate destroys a sandbox. Idempotent: an unknown or
	// already-destroyed id is success unless opts.Strict is set. Remote
	// sandboxes expire on their own, so "already gone" is the normal
	// outcome of a late cleanup, not a fault.
	Terminate(ctx context.Context, id string, opts TerminationOptions) CleanupResult

	// IsAvailable reports backend health. Never returns an error; used
	// for readiness checks and fallback selection.
	IsAvailable(ctx context.Context) bool
}

// Sandbox is a live session bound to one running environment. A handle is
// owned by the orchestrator invocation that obtained it for the duration of
// one build.
type Sandbox interface {
	ID() string
	ProviderName() string

	// ExecuteCommand runs a command to completion or to opts.Timeout.
	// On timeout the call fails with ErrCommandTimeout; whether the
	// remote process is killed is adapter-defined and documented per
	// adapter.
	ExecuteCommand(ctx context.Context, command string, opts CommandOptions) (CommandResult, error)

	WriteFile(ctx context.Context, f File) error

	// WriteFiles writes a batch. Per-file failures are enumerated in the
	// result; the error return is reserved for transport-level failures
	// that prevented the batch from being attempted at all.
	WriteFiles(ctx context.Context, files []File) (BatchFileOperationResult, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
	DeleteFile(ctx context.Context, path string) error
	FileExists(ctx context.Context, path string) (bool, error)
	GetFileInfo(ctx context.Context, path string) (FileInfo, error)

	// SetEnvVars applies to commands started afterwards, not to commands
	// already running.
	SetEnvVars(ctx context.Context, vars map[string]string) error
	EnvVars(ctx context.Context) (map[string]string, error)

	// KeepAlive resets the backend idle-expiry timer. Long-lived
	// consumers call this on a recurring timer.
	KeepAlive(ctx context.Context) error

	// Host computes the externally reachable address for an internal
	// port. Pure local computation, no I/O.
	Host(port int) string

	// PreviewInfo resolves the preview URL for a port, minting a signed
	// token when the backend supports it. Fails only with
	// ErrProviderUnavailable; never returns an invalid token silently.
	PreviewInfo(ctx context.Context, port int) (PreviewInfo, error)

	// Terminate destroys this sandbox. Idempotent per Provider.Terminate.
	Terminate(ctx context.Context, opts TerminationOptions) CleanupResult
}
