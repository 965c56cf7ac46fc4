package provider

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Factory builds an uninitialized adapter. Adapters register a factory by
// name so the registry can construct the ones configuration enables.
type Factory func() Provider

// Registry owns the initialized adapters and their credentials for the
// process lifetime. It is constructed explicitly at startup and passed by
// reference to the orchestrator; there is no package-level instance.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defName   string
}

// NewRegistry initializes one adapter per config entry. The first entry
// becomes the default provider. Initialization failures abort startup: a
// misconfigured backend should be fixed, not silently skipped.
func NewRegistry(ctx context.Context, factories map[string]Factory, configs []ProviderConfig) (*Registry, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	r := &Registry{providers: make(map[string]Provider)}
	for i, cfg := range configs {
		factory, ok := factories[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", cfg.Name)
		}
		p := factory()
		if err := p.Initialize(ctx, cfg); err != nil {
			return nil, fmt.Errorf("initialize provider %q: %w", cfg.Name, err)
		}
		r.providers[cfg.Name] = p
		if i == 0 {
			r.defName = cfg.Name
		}
		log.Printf("[registry] provider %q initialized", cfg.Name)
	}
	return r, nil
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

// Default returns the default adapter.
func (r *Registry) Default() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.defName]
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available reports per-provider health. Used by the readiness endpoint.
func (r *Registry) Available(ctx context.Context) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.providers))
	for name, p := range r.providers {
		out[name] = p.IsAvailable(ctx)
	}
	return out
}

// Pick returns the named adapter, or the default when name is empty.
func (r *Registry) Pick(name string) (Provider, error) {
	if name == "" {
		return r.Default(), nil
	}
	return r.Get(name)
}

// Shutdown releases the adapters. Termination of individual sandboxes is
// the orchestrator's job; the registry only tears down adapter state.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.providers {
		delete(r.providers, name)
	}
}
