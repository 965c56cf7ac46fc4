package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"appforge/internal/provider"
)

// fakeAgent is an in-memory stand-in for the host agent.
type fakeAgent struct {
	mu    sync.Mutex
	vms   map[string]vmObject
	files map[string]map[string][]byte // vm id -> path -> content
	envs  map[string]map[string]string

	execExitCode int
	execStdout   string
	execStderr   string
	execTimedOut bool

	failWritePath string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		vms:   make(map[string]vmObject),
		files: make(map[string]map[string][]byte),
		envs:  make(map[string]map[string]string),
	}
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			out := make([]vmObject, 0, len(f.vms))
			for _, vm := range f.vms {
				out = append(out, vm)
			}
			json.NewEncoder(w).Encode(out)
		case http.MethodPost:
			var req createVMRequest
			json.NewDecoder(r.Body).Decode(&req)
			vm := vmObject{
				ID:        req.ID,
				Template:  req.Template,
				IP:        req.IP,
				Status:    "running",
				CreatedAt: time.Now(),
				LastSeen:  time.Now(),
			}
			f.vms[vm.ID] = vm
			f.files[vm.ID] = make(map[string][]byte)
			f.envs[vm.ID] = make(map[string]string)
			json.NewEncoder(w).Encode(vm)
		}
	})
	mux.HandleFunc("/sandboxes/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		rest := strings.TrimPrefix(r.URL.Path, "/sandboxes/")
		parts := strings.SplitN(rest, "/", 2)
		id := parts[0]
		sub := ""
		if len(parts) == 2 {
			sub = parts[1]
		}

		vm, ok := f.vms[id]
		if !ok {
			http.Error(w, "sandbox not found", http.StatusNotFound)
			return
		}

		switch {
		case sub == "" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(vm)
		case sub == "" && r.Method == http.MethodDelete:
			delete(f.vms, id)
			w.WriteHeader(http.StatusNoContent)
		case sub == "resume" && r.Method == http.MethodPost:
			vm.Status = "running"
			f.vms[id] = vm
			json.NewEncoder(w).Encode(vm)
		case sub == "keepalive" && r.Method == http.MethodPost:
			vm.LastSeen = time.Now()
			f.vms[id] = vm
			w.WriteHeader(http.StatusNoContent)
		case sub == "exec" && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(execResponse{
				ExitCode:   f.execExitCode,
				Stdout:     f.execStdout,
				Stderr:     f.execStderr,
				DurationMs: 5,
				TimedOut:   f.execTimedOut,
			})
		case sub == "files" && r.Method == http.MethodPut:
			path := r.URL.Query().Get("path")
			if f.failWritePath != "" && path == f.failWritePath {
				http.Error(w, "disk write failed", http.StatusInternalServerError)
				return
			}
			data, _ := readAll(r)
			f.files[id][path] = data
			w.WriteHeader(http.StatusNoContent)
		case sub == "files" && r.Method == http.MethodGet:
			content, ok := f.files[id][r.URL.Query().Get("path")]
			if !ok {
				http.Error(w, "file not found", http.StatusNotFound)
				return
			}
			w.Write(content)
		case sub == "files" && r.Method == http.MethodDelete:
			path := r.URL.Query().Get("path")
			if _, ok := f.files[id][path]; !ok {
				http.Error(w, "file not found", http.StatusNotFound)
				return
			}
			delete(f.files[id], path)
			w.WriteHeader(http.StatusNoContent)
		case sub == "env" && r.Method == http.MethodPost:
			var vars map[string]string
			json.NewDecoder(r.Body).Decode(&vars)
			for k, v := range vars {
				f.envs[id][k] = v
			}
			w.WriteHeader(http.StatusNoContent)
		case sub == "env" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(f.envs[id])
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func readAll(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func newTestAdapter(t *testing.T, agent *fakeAgent) *Adapter {
	t.Helper()
	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)

	a := New().(*Adapter)
	err := a.Initialize(context.Background(), provider.ProviderConfig{
		Name:     "microvm",
		APIKey:   "test-token",
		Endpoint: srv.URL,
		Extra:    map[string]string{"guest_cidr": "10.10.0.0/24"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a
}

func TestInitializeRequiresEndpointAndCIDR(t *testing.T) {
	a := New()
	err := a.Initialize(context.Background(), provider.ProviderConfig{Name: "microvm"})
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("missing endpoint: %v", err)
	}

	a = New()
	err = a.Initialize(context.Background(), provider.ProviderConfig{
		Name:     "microvm",
		Endpoint: "http://localhost:1",
	})
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("missing CIDR: %v", err)
	}
}

func TestUseBeforeInitialize(t *testing.T) {
	a := New()
	if _, err := a.Create(context.Background(), provider.SandboxConfig{}); !errors.Is(err, provider.ErrNotInitialized) {
		t.Fatalf("Create before init: %v", err)
	}
	if _, err := a.Connect(context.Background(), "x", provider.ConnectOptions{}); !errors.Is(err, provider.ErrNotInitialized) {
		t.Fatalf("Connect before init: %v", err)
	}
}

func TestCreateAndExec(t *testing.T) {
	agent := newFakeAgent()
	agent.execStdout = "hello"
	a := newTestAdapter(t, agent)

	sb, err := a.Create(context.Background(), provider.SandboxConfig{TemplateID: "debian"})
	if err != nil {
		t.Fatal(err)
	}
	if sb.ID() == "" {
		t.Fatal("empty sandbox id")
	}
	if sb.ProviderName() != "microvm" {
		t.Fatalf("ProviderName = %s", sb.ProviderName())
	}

	result, err := sb.ExecuteCommand(context.Background(), "echo hello", provider.CommandOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Stdout != "hello" || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecNonzeroExitCarriesOutput(t *testing.T) {
	agent := newFakeAgent()
	agent.execExitCode = 2
	agent.execStderr = "make: *** [all] Error 2"
	a := newTestAdapter(t, agent)

	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	result, err := sb.ExecuteCommand(context.Background(), "make", provider.CommandOptions{})
	var cmdErr *provider.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("want CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 2 || cmdErr.Stderr == "" {
		t.Fatalf("CommandError = %+v", cmdErr)
	}
	if result.ExitCode != 2 {
		t.Fatalf("partial result lost: %+v", result)
	}
}

func TestExecTimedOut(t *testing.T) {
	agent := newFakeAgent()
	agent.execTimedOut = true
	a := newTestAdapter(t, agent)

	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = sb.ExecuteCommand(context.Background(), "sleep 999", provider.CommandOptions{Timeout: time.Second})
	if !errors.Is(err, provider.ErrCommandTimeout) {
		t.Fatalf("want ErrCommandTimeout, got %v", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)

	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	text := []byte("export default {}\n")
	binary := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}

	if err := sb.WriteFile(ctx, provider.File{Path: "/app/vite.config.js", Content: text}); err != nil {
		t.Fatal(err)
	}
	if err := sb.WriteFile(ctx, provider.File{Path: "/app/logo.png", Content: binary, Mode: 0644}); err != nil {
		t.Fatal(err)
	}

	got, err := sb.ReadFile(ctx, "/app/vite.config.js")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, text) {
		t.Fatalf("text round trip: %q", got)
	}
	got, err = sb.ReadFile(ctx, "/app/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, binary) {
		t.Fatalf("binary round trip: %v", got)
	}
}

func TestReadMissingFile(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = sb.ReadFile(context.Background(), "/does/not/exist")
	if !errors.Is(err, provider.ErrFileNotFound) {
		t.Fatalf("want ErrFileNotFound, got %v", err)
	}
}

func TestWriteFilesBatch(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}

	batch, err := sb.WriteFiles(context.Background(), []provider.File{
		{Path: "/app/a.txt", Content: []byte("a")},
		{Path: "/app/b.txt", Content: []byte("b")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch.Succeeded != 2 || batch.Failed != 0 {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestWriteFilesPartialFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.failWritePath = "/app/broken.txt"
	a := newTestAdapter(t, agent)
	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}

	batch, err := sb.WriteFiles(context.Background(), []provider.File{
		{Path: "/app/a.txt", Content: []byte("a")},
		{Path: "/app/broken.txt", Content: []byte("x")},
		{Path: "/app/b.txt", Content: []byte("b")},
	})
	if err != nil {
		t.Fatalf("one bad write must not abort the batch: %v", err)
	}
	if batch.Succeeded != 2 || batch.Failed != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	if len(batch.Results) != 3 {
		t.Fatalf("results = %+v", batch.Results)
	}
	if batch.Results[0].Err != nil || batch.Results[2].Err != nil {
		t.Fatalf("healthy writes reported failed: %+v", batch.Results)
	}
	if batch.Results[1].Path != "/app/broken.txt" || batch.Results[1].Err == nil {
		t.Fatalf("failed write not enumerated: %+v", batch.Results[1])
	}
	if errors.Is(batch.Results[1].Err, provider.ErrSandboxNotFound) {
		t.Fatalf("agent 500 misread as vanished sandbox: %v", batch.Results[1].Err)
	}
	if batch.FirstError() == nil {
		t.Fatal("FirstError should surface the failed write")
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if _, ok := agent.files[sb.ID()]["/app/b.txt"]; !ok {
		t.Fatal("writes after the failed one were skipped")
	}
}

func TestEnvVarsRoundTrip(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := sb.SetEnvVars(ctx, map[string]string{"API_URL": "https://x.test"}); err != nil {
		t.Fatal(err)
	}
	vars, err := sb.EnvVars(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if vars["API_URL"] != "https://x.test" {
		t.Fatalf("vars = %v", vars)
	}
}

func TestConnectUnknownSandbox(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	_, err := a.Connect(context.Background(), "ghost", provider.ConnectOptions{})
	if !errors.Is(err, provider.ErrSandboxNotFound) {
		t.Fatalf("want ErrSandboxNotFound, got %v", err)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}

	res := a.Terminate(context.Background(), sb.ID(), provider.TerminationOptions{})
	if res.Err != nil || !res.Destroyed {
		t.Fatalf("first terminate: %+v", res)
	}
	res = a.Terminate(context.Background(), sb.ID(), provider.TerminationOptions{})
	if res.Err != nil || !res.Destroyed {
		t.Fatalf("second terminate should be a no-op success: %+v", res)
	}
}

func TestTerminateStrictFailsOnUnknown(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	res := a.Terminate(context.Background(), "ghost", provider.TerminationOptions{Strict: true})
	if res.Err == nil {
		t.Fatal("strict terminate of unknown id should fail")
	}
	if !errors.Is(res.Err, provider.ErrSandboxNotFound) {
		t.Fatalf("want ErrSandboxNotFound, got %v", res.Err)
	}
}

func TestListNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/sandboxes" {
			// First call (during Initialize) succeeds, later ones fail.
			w.Write([]byte("[]"))
		}
	}))
	defer srv.Close()

	a := New().(*Adapter)
	err := a.Initialize(context.Background(), provider.ProviderConfig{
		Name:     "microvm",
		Endpoint: srv.URL,
		Extra:    map[string]string{"guest_cidr": "10.10.0.0/24"},
	})
	if err != nil {
		t.Fatal(err)
	}

	srv.Close()
	if got := a.List(context.Background()); got != nil {
		t.Fatalf("List after backend death = %v, want nil", got)
	}
}

func TestHostAddressing(t *testing.T) {
	sb := &sandbox{id: "vm-1", ip: "10.10.0.5", previewDomain: ""}
	if got := sb.Host(3000); got != "10.10.0.5:3000" {
		t.Fatalf("Host without domain = %q", got)
	}
	sb.previewDomain = "preview.example.com"
	if got := sb.Host(3000); got != "3000-vm-1.preview.example.com" {
		t.Fatalf("Host with domain = %q", got)
	}

	info, err := sb.PreviewInfo(context.Background(), 3000)
	if err != nil {
		t.Fatal(err)
	}
	if info.URL != "https://3000-vm-1.preview.example.com" {
		t.Fatalf("PreviewInfo URL = %q", info.URL)
	}
	if info.Token != "" {
		t.Fatal("self-hosted previews are token-less")
	}
}

func TestGetInfoStatusMapping(t *testing.T) {
	agent := newFakeAgent()
	a := newTestAdapter(t, agent)
	sb, err := a.Create(context.Background(), provider.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}

	info, err := a.GetInfo(context.Background(), sb.ID())
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != provider.StatusRunning {
		t.Fatalf("status = %s", info.Status)
	}
	if info.Provider != "microvm" {
		t.Fatalf("provider = %s", info.Provider)
	}
}
