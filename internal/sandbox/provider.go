package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Provider is the remote execution backend. The production provider
// talks to an E2B-compatible HTTP API; tests substitute a fake.
type Provider interface {
	// CreateSandbox provisions a new environment and returns its id.
	CreateSandbox(ctx context.Context, timeout time.Duration, metadata map[string]string) (string, error)

	// RunCommand executes cmd in the sandbox, optionally in workdir.
	RunCommand(ctx context.Context, sandboxID, cmd, workdir string, timeout time.Duration) (*CommandResult, error)

	ReadFile(ctx context.Context, sandboxID, path string) (string, error)
	ReadFileBinary(ctx context.Context, sandboxID, path string) ([]byte, error)
	WriteFile(ctx context.Context, sandboxID, path, content string) error

	// ListFiles returns paths under dir, filtered by glob pattern when
	// pattern is non-empty.
	ListFiles(ctx context.Context, sandboxID, dir, pattern string) ([]string, error)

	// SetTimeout resets the sandbox idle timer counting from now.
	SetTimeout(ctx context.Context, sandboxID string, timeout time.Duration) error

	// Kill destroys the sandbox.
	Kill(ctx context.Context, sandboxID string) error
}

// ProviderConfig configures the HTTP provider.
type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	TemplateID string
}

// httpProvider implements Provider against an E2B-style REST API.
type httpProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewHTTPProvider creates the production provider.
func NewHTTPProvider(cfg ProviderConfig) Provider {
	return &httpProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *httpProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox provider returned status %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding provider response: %w", err)
		}
	}
	return nil
}

func (p *httpProvider) CreateSandbox(ctx context.Context, timeout time.Duration, metadata map[string]string) (string, error) {
	req := map[string]any{
		"templateID": p.cfg.TemplateID,
		"timeout":    int(timeout.Seconds()),
	}
	if len(metadata) > 0 {
		req["metadata"] = metadata
	}
	var resp struct {
		SandboxID string `json:"sandboxID"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return "", err
	}
	if resp.SandboxID == "" {
		return "", fmt.Errorf("provider returned empty sandbox id")
	}
	return resp.SandboxID, nil
}

func (p *httpProvider) RunCommand(ctx context.Context, sandboxID, cmd, workdir string, timeout time.Duration) (*CommandResult, error) {
	req := map[string]any{
		"cmd":     cmd,
		"timeout": int(timeout.Seconds()),
	}
	if workdir != "" {
		req["cwd"] = workdir
	}
	var result CommandResult
	if err := p.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/commands", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *httpProvider) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	data, err := p.ReadFileBinary(ctx, sandboxID, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *httpProvider) ReadFileBinary(ctx context.Context, sandboxID, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.BaseURL+"/sandboxes/"+sandboxID+"/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("reading %s returned status %d: %s", path, resp.StatusCode, string(msg))
	}
	return io.ReadAll(resp.Body)
}

func (p *httpProvider) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	return p.do(ctx, http.MethodPut, "/sandboxes/"+sandboxID+"/files",
		map[string]string{"path": path, "content": content}, nil)
}

func (p *httpProvider) ListFiles(ctx context.Context, sandboxID, dir, pattern string) ([]string, error) {
	path := "/sandboxes/" + sandboxID + "/files/list?dir=" + url.QueryEscape(dir)
	if pattern != "" {
		path += "&pattern=" + url.QueryEscape(pattern)
	}
	var resp struct {
		Paths []string `json:"paths"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

func (p *httpProvider) SetTimeout(ctx context.Context, sandboxID string, timeout time.Duration) error {
	return p.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/timeout",
		map[string]int{"timeout": int(timeout.Seconds())}, nil)
}

func (p *httpProvider) Kill(ctx context.Context, sandboxID string) error {
	return p.do(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
}
