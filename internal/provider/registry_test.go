package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// fakeProvider is a minimal in-memory adapter for registry tests.
type fakeProvider struct {
	name      string
	initErr   error
	available bool
	inited    bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Initialize(_ context.Context, _ ProviderConfig) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.inited = true
	return nil
}

func (f *fakeProvider) Create(context.Context, SandboxConfig) (Sandbox, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Connect(context.Context, string, ConnectOptions) (Sandbox, error) {
	return nil, ErrSandboxNotFound
}
func (f *fakeProvider) Resume(context.Context, string, ConnectOptions) (Sandbox, error) {
	return nil, ErrResumeFailed
}
func (f *fakeProvider) List(context.Context) []SandboxInfo { return nil }
func (f *fakeProvider) GetInfo(context.Context, string) (SandboxInfo, error) {
	return SandboxInfo{}, ErrSandboxNotFound
}
func (f *fakeProvider) Terminate(_ context.Context, id string, _ TerminationOptions) CleanupResult {
	return CleanupResult{SandboxID: id, Destroyed: true}
}
func (f *fakeProvider) IsAvailable(context.Context) bool { return f.available }

func fakeFactories(providers ...*fakeProvider) map[string]Factory {
	out := make(map[string]Factory)
	for _, p := range providers {
		p := p
		out[p.name] = func() Provider { return p }
	}
	return out
}

func TestNewRegistryInitializesAll(t *testing.T) {
	a := &fakeProvider{name: "alpha", available: true}
	b := &fakeProvider{name: "beta"}

	r, err := NewRegistry(context.Background(), fakeFactories(a, b), []ProviderConfig{
		{Name: "alpha"},
		{Name: "beta"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.inited || !b.inited {
		t.Fatal("both providers should be initialized")
	}
	if got := r.Default().Name(); got != "alpha" {
		t.Fatalf("default = %s, want alpha (first configured)", got)
	}
}

func TestNewRegistryAbortsOnInitFailure(t *testing.T) {
	bad := &fakeProvider{name: "bad", initErr: fmt.Errorf("no credentials")}
	_, err := NewRegistry(context.Background(), fakeFactories(bad), []ProviderConfig{{Name: "bad"}})
	if err == nil {
		t.Fatal("init failure must abort registry construction")
	}
}

func TestNewRegistryRejectsUnknownName(t *testing.T) {
	_, err := NewRegistry(context.Background(), fakeFactories(), []ProviderConfig{{Name: "ghost"}})
	if err == nil {
		t.Fatal("unknown provider name must be rejected")
	}
}

func TestNewRegistryRequiresConfig(t *testing.T) {
	_, err := NewRegistry(context.Background(), fakeFactories(), nil)
	if err == nil {
		t.Fatal("empty config must be rejected")
	}
}

func TestRegistryGetAndPick(t *testing.T) {
	a := &fakeProvider{name: "alpha"}
	b := &fakeProvider{name: "beta"}
	r, err := NewRegistry(context.Background(), fakeFactories(a, b), []ProviderConfig{
		{Name: "alpha"},
		{Name: "beta"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Get("beta"); err != nil {
		t.Fatalf("Get(beta): %v", err)
	}
	if _, err := r.Get("gamma"); err == nil {
		t.Fatal("Get(gamma) should fail")
	}

	p, err := r.Pick("")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "alpha" {
		t.Fatalf("Pick(\"\") = %s, want default alpha", p.Name())
	}
	p, err = r.Pick("beta")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "beta" {
		t.Fatalf("Pick(beta) = %s", p.Name())
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	a := &fakeProvider{name: "zulu"}
	b := &fakeProvider{name: "alpha"}
	r, err := NewRegistry(context.Background(), fakeFactories(a, b), []ProviderConfig{
		{Name: "zulu"},
		{Name: "alpha"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"alpha", "zulu"}) {
		t.Fatalf("Names() = %v", got)
	}
}

func TestRegistryAvailable(t *testing.T) {
	a := &fakeProvider{name: "alpha", available: true}
	b := &fakeProvider{name: "beta", available: false}
	r, err := NewRegistry(context.Background(), fakeFactories(a, b), []ProviderConfig{
		{Name: "alpha"},
		{Name: "beta"},
	})
	if err != nil {
		t.Fatal(err)
	}
	avail := r.Available(context.Background())
	if !avail["alpha"] || avail["beta"] {
		t.Fatalf("Available() = %v", avail)
	}
}
