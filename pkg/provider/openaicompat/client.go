// Package openaicompat implements the provider interface for backends
// speaking the OpenAI Chat Completions protocol: OpenAI itself, vLLM,
// LM Studio, and Ollama's compatibility endpoint.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
)

// Config holds the settings for one Chat Completions backend.
type Config struct {
	// Name is the provider identifier reported by Name().
	// Defaults to "openaicompat".
	Name string

	// BaseURL locates the backend without the /v1 suffix,
	// e.g. "https://api.openai.com" or "http://localhost:11434".
	BaseURL string

	// APIKey is sent as a Bearer token when non-empty. Local backends
	// like Ollama accept requests without one.
	APIKey string

	// Timeout bounds non-streaming requests (default 120s). Streaming
	// requests are bounded by context cancellation instead.
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible Chat Completions backend.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Ensure Client implements provider.Provider at compile time.
var _ provider.Provider = (*Client)(nil)

// New creates a Client for the given backend.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: BaseURL is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openaicompat"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return c.name
}

// Complete performs non-streaming inference against the Chat Completions
// endpoint.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpResp, err := c.post(ctx, c.httpClient, TranslateToChat(req, false), false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}

	return TranslateResponse(&chatResp), nil
}

// Stream performs streaming inference. The returned channel is closed when
// the stream completes, errors, or the context is cancelled.
//
// The HTTP client timeout is not applied for streaming requests because a
// stream can legitimately last longer than any fixed timeout. Lifecycle
// control relies on context cancellation instead.
func (c *Client) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	streamClient := &http.Client{
		Transport: c.httpClient.Transport,
	}

	httpResp, err := c.post(ctx, streamClient, TranslateToChat(req, true), true)
	if err != nil {
		return nil, err
	}

	// Check for error status codes before starting the stream.
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		return nil, MapHTTPError(httpResp)
	}

	ch := make(chan provider.Event, 16)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()
		ParseSSEStream(ctx, httpResp.Body, ch)
	}()

	return ch, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) post(ctx context.Context, client *http.Client, chatReq *ChatCompletionRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	return httpResp, nil
}
