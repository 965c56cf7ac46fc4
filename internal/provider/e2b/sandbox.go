package e2b

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"appforge/internal/provider"
)

// sandbox is a live handle on one E2B environment.
type sandbox struct {
	id     string
	client *client
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
		// Generous client-side deadline; envd enforces the real one and
		// kills the process group when it fires.
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout+10*time.Second)
		defer cancel()
	}

	var out execResponse
	err := s.client.doJSON(callCtx, "POST", s.client.envdURL(s.id, "/commands"), req, &out)
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
	u := s.fileURL("/files", f.Path)
	if f.Mode != 0 {
		u += fmt.Sprintf("&mode=%o", f.Mode)
	}
	if _, err := s.client.doRaw(ctx, "PUT", u, f.Content); err != nil {
		return &provider.OpError{Provider: providerName, Op: "write " + f.Path, Err: asFileErr(err)}
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
			// The sandbox itself is gone: remaining writes can only fail
			// the same way, and the caller needs the real signal.
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
	data, err := s.client.doRaw(ctx, "GET", s.fileURL("/files", path), nil)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "read " + path, Err: asFileErr(err)}
	}
	return data, nil
}

func (s *sandbox) ListFiles(ctx context.Context, path string) ([]provider.FileInfo, error) {
	data, err := s.client.doRaw(ctx, "GET", s.fileURL("/files/list", path), nil)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "list " + path, Err: asFileErr(err)}
	}
	var out []provider.FileInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return out, nil
}

func (s *sandbox) DeleteFile(ctx context.Context, path string) error {
	if _, err := s.client.doRaw(ctx, "DELETE", s.fileURL("/files", path), nil); err != nil {
		return &provider.OpError{Provider: providerName, Op: "delete " + path, Err: asFileErr(err)}
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
	data, err := s.client.doRaw(ctx, "GET", s.fileURL("/files/stat", path), nil)
	if err != nil {
		return provider.FileInfo{}, &provider.OpError{Provider: providerName, Op: "stat " + path, Err: asFileErr(err)}
	}
	var out provider.FileInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return provider.FileInfo{}, fmt.Errorf("decode file info: %w", err)
	}
	return out, nil
}

func (s *sandbox) SetEnvVars(ctx context.Context, vars map[string]string) error {
	err := s.client.doJSON(ctx, "POST", s.client.envdURL(s.id, "/envs"), vars, nil)
	if err != nil {
		return &provider.OpError{Provider: providerName, Op: "set envs", Err: err}
	}
	return nil
}

func (s *sandbox) EnvVars(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := s.client.doJSON(ctx, "GET", s.client.envdURL(s.id, "/envs"), nil, &out)
	if err != nil {
		return nil, &provider.OpError{Provider: providerName, Op: "get envs", Err: err}
	}
	return out, nil
}

func (s *sandbox) KeepAlive(ctx context.Context) error {
	// Re-arming the expiry timer is done by re-posting the timeout.
	if err := s.client.setTimeout(ctx, s.id, 30*time.Minute); err != nil {
		return &provider.OpError{Provider: providerName, Op: "keepalive", Err: err}
	}
	return nil
}

func (s *sandbox) Host(port int) string {
	return s.client.host(s.id, port)
}

func (s *sandbox) PreviewInfo(ctx context.Context, port int) (provider.PreviewInfo, error) {
	token, err := s.client.mintPreviewToken(ctx, s.id, port)
	if err != nil {
		return provider.PreviewInfo{}, &provider.OpError{Provider: providerName, Op: "preview",
			Err: fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)}
	}
	return provider.PreviewInfo{
		URL:   "https://" + s.Host(port),
		Token: token,
	}, nil
}

func (s *sandbox) Terminate(ctx context.Context, opts provider.TerminationOptions) provider.CleanupResult {
	err := s.client.killSandbox(ctx, s.id)
	if err == nil {
		return provider.CleanupResult{SandboxID: s.id, Destroyed: true}
	}
	if errors.Is(err, provider.ErrSandboxNotFound) && !opts.Strict {
		return provider.CleanupResult{SandboxID: s.id, Destroyed: true}
	}
	return provider.CleanupResult{SandboxID: s.id, Err: &provider.OpError{Provider: providerName, Op: "terminate", Err: err}}
}

func (s *sandbox) fileURL(endpoint, path string) string {
	return s.client.envdURL(s.id, endpoint) + "?path=" + url.QueryEscape(path)
}

// asFileErr retags "not found" from an envd file endpoint: there a 404
// means the path, not the sandbox. A vanished sandbox surfaces as a
// transport failure on the envd host instead.
func asFileErr(err error) error {
	if errors.Is(err, provider.ErrSandboxNotFound) {
		return fmt.Errorf("%w: %v", provider.ErrFileNotFound, err)
	}
	return err
}
