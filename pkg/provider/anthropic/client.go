// Package anthropic implements the provider interface for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com"

	// apiVersion is the pinned anthropic-version header value.
	apiVersion = "2023-06-01"

	// defaultMaxTokens caps completions when the caller does not set a limit.
	defaultMaxTokens = 4096
)

// Config holds the settings for the Anthropic backend.
type Config struct {
	// BaseURL locates the backend (default https://api.anthropic.com).
	BaseURL string

	// APIKey is sent as the x-api-key header.
	APIKey string

	// Timeout bounds non-streaming requests (default 120s). Streaming
	// requests are bounded by context cancellation instead.
	Timeout time.Duration
}

// Client talks to the Anthropic Messages API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Ensure Client implements provider.Provider at compile time.
var _ provider.Provider = (*Client)(nil)

// New creates a Client for the Messages API.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: APIKey is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return "anthropic"
}

// Complete performs non-streaming inference against the Messages API.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpResp, err := c.post(ctx, c.httpClient, translateRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp)
	}

	var msgResp MessageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&msgResp); err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}

	return translateResponse(&msgResp), nil
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

	httpResp, err := c.post(ctx, streamClient, translateRequest(req, true))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		return nil, mapHTTPError(httpResp)
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

func (c *Client) post(ctx context.Context, client *http.Client, msgReq *MessageRequest) (*http.Response, error) {
	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	url := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if msgReq.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, api.NewProviderError(fmt.Sprintf("backend connection error: %s", err.Error()))
	}
	return httpResp, nil
}

// translateRequest converts a provider request to the Messages API format.
// The system prompt stays a top-level field.
func translateRequest(req *provider.Request, stream bool) *MessageRequest {
	messages := make([]InputMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, InputMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &MessageRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// translateResponse concatenates the text content blocks into one reply.
func translateResponse(resp *MessageResponse) *provider.Response {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &provider.Response{Text: text.String(), Model: resp.Model}
	if resp.Usage != nil {
		out.Usage = &provider.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out
}

// mapHTTPError converts a non-2xx Messages API response into an APIError.
func mapHTTPError(resp *http.Response) *api.APIError {
	message := ""
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		var errResp ErrorResponse
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
	}
	if message == "" {
		message = fmt.Sprintf("backend error (HTTP %d)", resp.StatusCode)
	}
	return api.NewProviderError(message)
}
