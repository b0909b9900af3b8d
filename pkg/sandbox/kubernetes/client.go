package kubernetes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

// Client calls the sandbox server's REST API inside a sandbox pod.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a sandbox HTTP client. The overall HTTP timeout is
// generous; the execution timeout itself is enforced by the sandbox
// server per request.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Execute sends one unit to the sandbox server and returns the result.
func (c *Client) Execute(ctx context.Context, baseURL string, req *ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("sandbox at capacity (HTTP 429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var execResp ExecuteResponse
	if err := json.Unmarshal(respBody, &execResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &execResp, nil
}

// ListFiles returns the workspace file listing from the sandbox server.
func (c *Client) ListFiles(ctx context.Context, baseURL string) ([]api.FileInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/files", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned HTTP %d", resp.StatusCode)
	}

	var files []api.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return files, nil
}

// maxFileBytes caps how much file content GetFile buffers. The sandbox
// server applies the same ceiling on its side; this guards the caller
// against a misbehaving server too.
const maxFileBytes = 1 << 20

// GetFile fetches one workspace file's content from the sandbox server,
// capped at maxFileBytes.
func (c *Client) GetFile(ctx context.Context, baseURL, name string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/files/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file %s: %w", name, sandbox.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
}

// PutFile uploads one workspace file to the sandbox server.
func (c *Client) PutFile(ctx context.Context, baseURL, name string, content []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+"/files/"+url.PathEscape(name), bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
