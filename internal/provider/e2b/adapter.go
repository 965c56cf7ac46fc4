// Package e2b implements the sandbox provider contract against the E2B
// cloud. Sandboxes are ephemeral microVMs created from templates; commands
// and file I/O go through the in-sandbox envd agent.
//
// Timeout semantics: when a command exceeds CommandOptions.Timeout, envd
// kills the remote process group before the call returns, so a timed-out
// command does not leave an orphan behind.
package e2b

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"appforge/internal/provider"
)

const providerName = "e2b"

// Adapter implements provider.Provider for E2B.
type Adapter struct {
	client         *client
	defaultTmpl    string
	sandboxTimeout time.Duration
	initialized    bool
}

// New returns an uninitialized E2B adapter for registry construction.
func New() provider.Provider {
	return &Adapter{}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Initialize(ctx context.Context, cfg provider.ProviderConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("%w: e2b api key is required", provider.ErrProviderUnavailable)
	}
	domain := cfg.Endpoint
	if domain == "" {
		domain = "e2b.app"
	}
	a.client = newClient(cfg.APIKey, domain)
	a.defaultTmpl = cfg.Extra["template"]
	if a.defaultTmpl == "" {
		a.defaultTmpl = "base"
	}
	a.sandboxTimeout = 30 * time.Minute
	if raw := cfg.Extra["timeout_sec"]; raw != "" {
		var sec int
		if _, err := fmt.Sscanf(raw, "%d", &sec); err == nil && sec > 0 {
			a.sandboxTimeout = time.Duration(sec) * time.Second
		}
	}

	// A list call doubles as the credentials check.
	if _, err := a.client.listSandboxes(ctx); err != nil {
		return fmt.Errorf("%w: credential check failed: %v", provider.ErrProviderUnavailable, err)
	}
	a.initialized = true
	return nil
}

func (a *Adapter) Create(ctx context.Context, cfg provider.SandboxConfig) (provider.Sandbox, error) {
	if !a.initialized {
		return nil, provider.ErrNotInitialized
	}
	tmpl := cfg.TemplateID
	if tmpl == "" {
		tmpl = a.defaultTmpl
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = a.sandboxTimeout
	}

	obj, err := a.client.createSandbox(ctx, createSandboxRequest{
		TemplateID: tmpl,
		TimeoutSec: int(timeout / time.Second),
		Metadata:   cfg.Metadata,
	})
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "create", Err: err}
	}
	return &sandbox{id: obj.SandboxID, client: a.client}, nil
}

func (a *Adapter) Connect(ctx context.Context, id string, opts provider.ConnectOptions) (provider.Sandbox, error) {
	if !a.initialized {
		return nil, provider.ErrNotInitialized
	}
	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	obj, err := a.client.getSandbox(callCtx, id)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "connect", Err: err}
	}
	if obj.State == "paused" {
		return nil, &provider.OpError{Provider: providerName, Op: "connect",
			Err: fmt.Errorf("%w: sandbox %s is paused, resume it first", provider.ErrSandboxNotFound, id)}
	}
	return &sandbox{id: obj.SandboxID, client: a.client}, nil
}

func (a *Adapter) Resume(ctx context.Context, id string, opts provider.ConnectOptions) (provider.Sandbox, error) {
	if !a.initialized {
		return nil, provider.ErrNotInitialized
	}
	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	obj, err := a.client.resumeSandbox(callCtx, id)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "resume", Err: err}
	}
	return &sandbox{id: obj.SandboxID, client: a.client}, nil
}

func (a *Adapter) List(ctx context.Context) []provider.SandboxInfo {
	if !a.initialized {
		return nil
	}
	objs, err := a.client.listSandboxes(ctx)
	if err != nil {
		// Listing is advisory; log and keep the caller's operation alive.
		log.Printf("[e2b] list failed: %v", err)
		return nil
	}
	out := make([]provider.SandboxInfo, 0, len(objs))
	for _, obj := range objs {
		out = append(out, infoFromObject(obj))
	}
	return out
}

func (a *Adapter) GetInfo(ctx context.Context, id string) (provider.SandboxInfo, error) {
	if !a.initialized {
		return provider.SandboxInfo{}, provider.ErrNotInitialized
	}
	obj, err := a.client.getSandbox(ctx, id)
	if err != nil {
		return provider.SandboxInfo{}, &provider.OpError{Provider: providerName, Op: "info", Err: err}
	}
	return infoFromObject(obj), nil
}

func (a *Adapter) Terminate(ctx context.Context, id string, opts provider.TerminationOptions) provider.CleanupResult {
	if !a.initialized {
		return provider.CleanupResult{SandboxID: id, Err: provider.ErrNotInitialized}
	}
	err := a.client.killSandbox(ctx, id)
	if err == nil {
		return provider.CleanupResult{SandboxID: id, Destroyed: true}
	}
	if errors.Is(err, provider.ErrSandboxNotFound) && !opts.Strict {
		// Already gone; expiry beat us to it.
		return provider.CleanupResult{SandboxID: id, Destroyed: true}
	}
	return provider.CleanupResult{SandboxID: id, Err: &provider.OpError{Provider: providerName, Op: "terminate", Err: err}}
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if !a.initialized {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.listSandboxes(checkCtx)
	return err == nil
}

func infoFromObject(obj sandboxObject) provider.SandboxInfo {
	status := provider.StatusUnknown
	switch obj.State {
	case "running":
		status = provider.StatusRunning
	case "paused", "stopped":
		status = provider.StatusStopped
	}
	return provider.SandboxInfo{
		ID:           obj.SandboxID,
		Provider:     providerName,
		Status:       status,
		CreatedAt:    obj.StartedAt,
		LastActiveAt: obj.EndAt,
	}
}
