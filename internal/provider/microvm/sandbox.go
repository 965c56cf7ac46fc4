package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"appforge/internal/provider"
)

// sandbox is a live handle on one microVM. All per-sandbox operations go
// through the host agent, which proxies them to the guest agent over
// vsock.
type sandbox struct {
	id            string
	ip            string
	client        *client
	ips           *ipAllocator
	previewDomain string
}

func (s *sandbox) ID() string           { return s.id }
func (s *sandbox) ProviderName() string { return providerName }

type execRequest struct {
	Cmd        string            `json:"cmd"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

type execResponse struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	TimedOut   bool   `json:"timedOut"`
}

func (s *sandbox) ExecuteCommand(ctx context.Context, command string, opts provider.CommandOptions) (provider.CommandResult, error) {
	req := execRequest{Cmd: command, Cwd: opts.Cwd, Env: opts.Env}
	callCtx := ctx
	if opts.Timeout > 0 {
		req.TimeoutSec = int((opts.Timeout + time.Second - 1) / time.Second)
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout+10*time.Second)
		defer cancel()
	}

	var out execResponse
	err := s.client.doJSON(callCtx, "POST", s.path("/exec"), req, &out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return provider.CommandResult{}, fmt.Errorf("%w: %q after %v", provider.ErrCommandTimeout, command, opts.Timeout)
		}
		return provider.CommandResult{}, &provider.OpError{Provider: providerName, Op: "exec", Err: err}
	}
	if out.TimedOut {
		return provider.CommandResult{}, fmt.Errorf("%w: %q after %v", provider.ErrCommandTimeout, command, opts.Timeout)
	}

	result := provider.CommandResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: time.Duration(out.DurationMs) * time.Millisecond,
	}
	if out.ExitCode != 0 {
		return result, &provider.CommandError{
			Command:  command,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			Duration: result.Duration,
		}
	}
	return result, nil
}

func (s *sandbox) WriteFile(ctx context.Context, f provider.File) error {
	p := s.filePath("/files", f.Path)
	if f.Mode != 0 {
		p += fmt.Sprintf("&mode=%o", f.Mode)
	}
	if _, err := s.client.doRaw(ctx, "PUT", p, f.Content); err != nil {
		return &provider.OpError{Provider: providerName, Op: "write " + f.Path, Err: err}
	}
	return nil
}

func (s *sandbox) WriteFiles(ctx context.Context, files []provider.File) (provider.BatchFileOperationResult, error) {
	var batch provider.BatchFileOperationResult
	for _, f := range files {
		err := s.WriteFile(ctx, f)
		batch.Results = append(batch.Results, provider.FileOperationResult{Path: f.Path, Err: err})
		if err != nil {
			batch.Failed++
			if errors.Is(err, provider.ErrSandboxNotFound) {
				return batch, err
			}
			continue
		}
		batch.Succeeded++
	}
	return batch, nil
}

func (s *sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.doRaw(ctx, "GET", s.filePath("/files", path), nil)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "read " + path, Err: err}
	}
	return data, nil
}

func (s *sandbox) ListFiles(ctx context.Context, path string) ([]provider.FileInfo, error) {
	data, err := s.client.doRaw(ctx, "GET", s.filePath("/files/list", path), nil)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "list " + path, Err: err}
	}
	var out []provider.FileInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return out, nil
}

func (s *sandbox) DeleteFile(ctx context.Context, path string) error {
	if _, err := s.client.doRaw(ctx, "DELETE", s.filePath("/files", path), nil); err != nil {
		return &provider.OpError{Provider: providerName, Op: "delete " + path, Err: err}
	}
	return nil
}

func (s *sandbox) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := s.GetFileInfo(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, provider.ErrFileNotFound) {
		return false, nil
	}
	return false, err
}

func (s *sandbox) GetFileInfo(ctx context.Context, path string) (provider.FileInfo, error) {
	data, err := s.client.doRaw(ctx, "GET", s.filePath("/files/stat", path), nil)
	if err != nil {
		return provider.FileInfo{}, &provider.OpError{Provider: providerName, Op: "stat " + path, Err: err}
	}
	var out provider.FileInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return provider.FileInfo{}, fmt.Errorf("decode file info: %w", err)
	}
	return out, nil
}

func (s *sandbox) SetEnvVars(ctx context.Context, vars map[string]string) error {
	if err := s.client.doJSON(ctx, "POST", s.path("/env"), vars, nil); err != nil {
		return &provider.OpError{Provider: providerName, Op: "set envs", Err: err}
	}
	return nil
}

func (s *sandbox) EnvVars(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := s.client.doJSON(ctx, "GET", s.path("/env"), nil, &out); err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "get envs", Err: err}
	}
	return out, nil
}

func (s *sandbox) KeepAlive(ctx context.Context) error {
	if err := s.client.touchVM(ctx, s.id); err != nil {
		return &provider.OpError{Provider: providerName, Op: "keepalive", Err: err}
	}
	return nil
}

// Host computes the reachable address for a guest port. With a preview
// domain configured the edge proxy routes "{port}-{id}" subdomains;
// otherwise the guest IP is addressed directly.
func (s *sandbox) Host(port int) string {
	if s.previewDomain != "" {
		return fmt.Sprintf("%d-%s.%s", port, s.id, s.previewDomain)
	}
	return fmt.Sprintf("%s:%d", s.ip, port)
}

func (s *sandbox) PreviewInfo(ctx context.Context, port int) (provider.PreviewInfo, error) {
	// The self-hosted edge does not mint access tokens; previews are
	// network-gated instead.
	scheme := "http"
	if s.previewDomain != "" {
		scheme = "https"
	}
	return provider.PreviewInfo{URL: fmt.Sprintf("%s://%s", scheme, s.Host(port))}, nil
}

func (s *sandbox) Terminate(ctx context.Context, opts provider.TerminationOptions) provider.CleanupResult {
	err := s.client.deleteVM(ctx, s.id, opts.Force)
	if err == nil {
		s.ips.release(s.ip)
		return provider.CleanupResult{SandboxID: s.id, Destroyed: true}
	}
	if errors.Is(err, provider.ErrSandboxNotFound) && !opts.Strict {
		s.ips.release(s.ip)
		return provider.CleanupResult{SandboxID: s.id, Destroyed: true}
	}
	return provider.CleanupResult{SandboxID: s.id, Err: &provider.OpError{Provider: providerName, Op: "terminate", Err: err}}
}

func (s *sandbox) path(suffix string) string {
	return "/sandboxes/" + s.id + suffix
}

func (s *sandbox) filePath(endpoint, path string) string {
	return s.path(endpoint) + "?path=" + url.QueryEscape(path)
}
