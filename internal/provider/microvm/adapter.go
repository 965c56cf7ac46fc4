// Package microvm implements the sandbox provider contract against a
// self-hosted microVM host agent. The agent fronts one Cloud Hypervisor
// process per sandbox; this adapter picks the guest IP from a configured
// pool and drives the agent's REST API.
//
// Timeout semantics: on command timeout the agent sends SIGKILL to the
// guest process; the VM itself stays up.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"appforge/internal/provider"

	"github.com/google/uuid"
)

const providerName = "microvm"

// Adapter implements provider.Provider for the self-hosted backend.
type Adapter struct {
	client        *client
	ips           *ipAllocator
	defaultTmpl   string
	previewDomain string
	initialized   bool
}

// New returns an uninitialized microvm adapter for registry construction.
func New() provider.Provider {
	return &Adapter{}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Initialize(ctx context.Context, cfg provider.ProviderConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("%w: microvm host agent endpoint is required", provider.ErrProviderUnavailable)
	}
	guestCIDR := cfg.Extra["guest_cidr"]
	if guestCIDR == "" {
		return fmt.Errorf("%w: microvm guest CIDR is required", provider.ErrProviderUnavailable)
	}

	a.client = newClient(cfg.Endpoint, cfg.APIKey)
	a.ips = newIPAllocator(guestCIDR)
	a.defaultTmpl = cfg.Extra["template"]
	if a.defaultTmpl == "" {
		a.defaultTmpl = "debian"
	}
	a.previewDomain = cfg.Extra["preview_domain"]

	// Reachability check doubles as IP pool warm-up: IPs already held by
	// running sandboxes must not be handed out again.
	vms, err := a.client.listVMs(ctx)
	if err != nil {
		return fmt.Errorf("%w: host agent unreachable: %v", provider.ErrProviderUnavailable, err)
	}
	for _, vm := range vms {
		a.ips.markUsed(vm.IP)
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

	ip, err := a.ips.next()
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "create",
			Err: fmt.Errorf("%w: %v", provider.ErrQuotaExceeded, err)}
	}

	id := uuid.NewString()
	vm, err := a.client.createVM(ctx, createVMRequest{
		ID:       id,
		Template: tmpl,
		IP:       ip,
		VCPUs:    cfg.VCPUs,
		MemoryMB: cfg.MemoryMB,
	})
	if err != nil {
		a.ips.release(ip)
		return nil, &provider.OpError{Provider: providerName, Op: "create", Err: err}
	}
	return a.handle(vm), nil
}

func (a *Adapter) Connect(ctx context.Context, id string, opts provider.ConnectOptions) (provider.Sandbox, error) {
	if !a.initialized {
		return nil, provider.ErrNotInitialized
	}
	callCtx, cancel := a.callContext(ctx, opts.Timeout)
	defer cancel()
	vm, err := a.client.getVM(callCtx, id)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "connect", Err: err}
	}
	if vm.Status != "running" {
		return nil, &provider.OpError{Provider: providerName, Op: "connect",
			Err: fmt.Errorf("%w: sandbox %s is %s", provider.ErrSandboxNotFound, id, vm.Status)}
	}
	a.ips.markUsed(vm.IP)
	return a.handle(vm), nil
}

func (a *Adapter) Resume(ctx context.Context, id string, opts provider.ConnectOptions) (provider.Sandbox, error) {
	if !a.initialized {
		return nil, provider.ErrNotInitialized
	}
	callCtx, cancel := a.callContext(ctx, opts.Timeout)
	defer cancel()
	vm, err := a.client.resumeVM(callCtx, id)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "resume", Err: err}
	}
	a.ips.markUsed(vm.IP)
	return a.handle(vm), nil
}

func (a *Adapter) List(ctx context.Context) []provider.SandboxInfo {
	if !a.initialized {
		return nil
	}
	vms, err := a.client.listVMs(ctx)
	if err != nil {
		log.Printf("[microvm] list failed: %v", err)
		return nil
	}
	out := make([]provider.SandboxInfo, 0, len(vms))
	for _, vm := range vms {
		out = append(out, infoFromVM(vm))
	}
	return out
}

func (a *Adapter) GetInfo(ctx context.Context, id string) (provider.SandboxInfo, error) {
	if !a.initialized {
		return provider.SandboxInfo{}, provider.ErrNotInitialized
	}
	vm, err := a.client.getVM(ctx, id)
	if err != nil {
		return provider.SandboxInfo{}, &provider.OpError{Provider: providerName, Op: "info", Err: err}
	}
	return infoFromVM(vm), nil
}

func (a *Adapter) Terminate(ctx context.Context, id string, opts provider.TerminationOptions) provider.CleanupResult {
	if !a.initialized {
		return provider.CleanupResult{SandboxID: id, Err: provider.ErrNotInitialized}
	}

	// Look up the guest IP first so the pool slot can be released; a
	// failed lookup only costs us the slot until restart.
	var ip string
	if vm, err := a.client.getVM(ctx, id); err == nil {
		ip = vm.IP
	}

	err := a.client.deleteVM(ctx, id, opts.Force)
	if err == nil {
		a.ips.release(ip)
		return provider.CleanupResult{SandboxID: id, Destroyed: true}
	}
	if errors.Is(err, provider.ErrSandboxNotFound) && !opts.Strict {
		a.ips.release(ip)
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
	_, err := a.client.listVMs(checkCtx)
	return err == nil
}

func (a *Adapter) handle(vm vmObject) *sandbox {
	return &sandbox{
		id:            vm.ID,
		ip:            vm.IP,
		client:        a.client,
		ips:           a.ips,
		previewDomain: a.previewDomain,
	}
}

func (a *Adapter) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func infoFromVM(vm vmObject) provider.SandboxInfo {
	status := provider.StatusUnknown
	switch vm.Status {
	case "running":
		status = provider.StatusRunning
	case "stopped", "paused":
		status = provider.StatusStopped
	}
	return provider.SandboxInfo{
		ID:           vm.ID,
		Provider:     providerName,
		Status:       status,
		CreatedAt:    vm.CreatedAt,
		LastActiveAt: vm.LastSeen,
	}
}
