package e2b

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

const (
	defaultHTTPTimeout = 60 * time.Second

	// envdPort is the in-sandbox agent port; the agent is reachable
	// through the same host scheme as any other sandbox port.
	envdPort = 49983
)

// client speaks the E2B control plane (api.{domain}) and the in-sandbox
// envd agent ({port}-{id}.{domain}).
type client struct {
	apiURL string
	domain string
	apiKey string
	http   *http.Client

	// envdBase, when set, overrides the per-sandbox envd address.
	envdBase string
}

func newClient(apiKey, domain string) *client {
	return &client{
		apiURL: fmt.Sprintf("https://api.%s", domain),
		domain: domain,
		apiKey: strings.TrimSpace(apiKey),
		http:   &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type sandboxObject struct {
	SandboxID  string    `json:"sandboxID"`
	TemplateID string    `json:"templateID"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
	EndAt      time.Time `json:"endAt"`
}

type createSandboxRequest struct {
	TemplateID string            `json:"templateID"`
	TimeoutSec int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type setTimeoutRequest struct {
	TimeoutSec int `json:"timeout"`
}

type previewTokenResponse struct {
	Token string `json:"token"`
}

func (c *client) createSandbox(ctx context.Context, req createSandboxRequest) (sandboxObject, error) {
	var out sandboxObject
	err := c.doJSON(ctx, http.MethodPost, c.apiURL+"/sandboxes", req, &out)
	return out, err
}

func (c *client) getSandbox(ctx context.Context, id string) (sandboxObject, error) {
	var out sandboxObject
	err := c.doJSON(ctx, http.MethodGet, c.apiURL+"/sandboxes/"+id, nil, &out)
	return out, err
}

func (c *client) listSandboxes(ctx context.Context) ([]sandboxObject, error) {
	var out []sandboxObject
	err := c.doJSON(ctx, http.MethodGet, c.apiURL+"/sandboxes", nil, &out)
	return out, err
}

func (c *client) resumeSandbox(ctx context.Context, id string) (sandboxObject, error) {
	var out sandboxObject
	err := c.doJSON(ctx, http.MethodPost, c.apiURL+"/sandboxes/"+id+"/resume", nil, &out)
	return out, err
}

func (c *client) killSandbox(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.apiURL+"/sandboxes/"+id, nil, nil)
}

func (c *client) setTimeout(ctx context.Context, id string, timeout time.Duration) error {
	req := setTimeoutRequest{TimeoutSec: int(timeout / time.Second)}
	return c.doJSON(ctx, http.MethodPost, c.apiURL+"/sandboxes/"+id+"/timeout", req, nil)
}

func (c *client) mintPreviewToken(ctx context.Context, id string, port int) (string, error) {
	var out previewTokenResponse
	url := fmt.Sprintf("%s/sandboxes/%s/preview-token?port=%d", c.apiURL, id, port)
	if err := c.doJSON(ctx, http.MethodPost, url, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// host computes the public address for a sandbox port. Pure string work.
func (c *client) host(id string, port int) string {
	return fmt.Sprintf("%d-%s.%s", port, id, c.domain)
}

func (c *client) envdURL(id, path string) string {
	if c.envdBase != "" {
		return c.envdBase + path
	}
	return fmt.Sprintf("https://%s%s", c.host(id, envdPort), path)
}

// doJSON runs one control-plane or envd call with the API key attached and
// the body (de)serialized as JSON.
func (c *client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
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
		return statusError(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doRaw runs one envd call with a raw byte body and returns the raw
// response body.
func (c *client) doRaw(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

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
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// statusError maps HTTP failures onto the provider error taxonomy.
func statusError(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		if strings.Contains(strings.ToLower(msg), "template") {
			return fmt.Errorf("%w: %s", provider.ErrTemplateNotFound, msg)
		}
		return fmt.Errorf("%w: %s", provider.ErrSandboxNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", provider.ErrQuotaExceeded, msg)
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d: %s", provider.ErrProviderUnavailable, status, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", provider.ErrResumeFailed, msg)
	default:
		return fmt.Errorf("e2b api status %d: %s", status, msg)
	}
}
