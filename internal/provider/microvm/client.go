package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"appforge/internal/provider"
)

const defaultHTTPTimeout = 60 * time.Second

// client speaks the microVM host agent REST API. The agent runs on the
// hypervisor host and fronts one Cloud Hypervisor process per sandbox.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(endpoint, token string) *client {
	return &client{
		baseURL: strings.TrimRight(endpoint, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type vmObject struct {
	ID        string    `json:"id"`
	Template  string    `json:"template"`
	IP        string    `json:"ip"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

type createVMRequest struct {
	ID       string `json:"id"`
	Template string `json:"template"`
	IP       string `json:"ip"`
	VCPUs    int    `json:"vcpus"`
	MemoryMB int    `json:"memoryMb"`
}

func (c *client) createVM(ctx context.Context, req createVMRequest) (vmObject, error) {
	var out vmObject
	err := c.doJSON(ctx, http.MethodPost, "/sandboxes", req, &out)
	return out, err
}

func (c *client) getVM(ctx context.Context, id string) (vmObject, error) {
	var out vmObject
	err := c.doJSON(ctx, http.MethodGet, "/sandboxes/"+id, nil, &out)
	return out, err
}

func (c *client) listVMs(ctx context.Context) ([]vmObject, error) {
	var out []vmObject
	err := c.doJSON(ctx, http.MethodGet, "/sandboxes", nil, &out)
	return out, err
}

func (c *client) resumeVM(ctx context.Context, id string) (vmObject, error) {
	var out vmObject
	err := c.doJSON(ctx, http.MethodPost, "/sandboxes/"+id+"/resume", nil, &out)
	return out, err
}

func (c *client) deleteVM(ctx context.Context, id string, force bool) error {
	path := "/sandboxes/" + id
	if force {
		path += "?force=true"
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *client) touchVM(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/sandboxes/"+id+"/keepalive", nil, nil)
}

func (c *client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return agentStatusError(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doRaw sends/receives raw bytes, used for file content endpoints.
func (c *client) doRaw(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, agentStatusError(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func agentStatusError(status int, msg string) error {
	lower := strings.ToLower(msg)
	switch status {
	case http.StatusNotFound:
		if strings.Contains(lower, "template") || strings.Contains(lower, "image") {
			return fmt.Errorf("%w: %s", provider.ErrTemplateNotFound, msg)
		}
		if strings.Contains(lower, "file") || strings.Contains(lower, "path") {
			return fmt.Errorf("%w: %s", provider.ErrFileNotFound, msg)
		}
		return fmt.Errorf("%w: %s", provider.ErrSandboxNotFound, msg)
	case http.StatusInsufficientStorage, http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", provider.ErrQuotaExceeded, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", provider.ErrResumeFailed, msg)
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d: %s", provider.ErrProviderUnavailable, status, msg)
	default:
		return fmt.Errorf("host agent status %d: %s", status, msg)
	}
}
