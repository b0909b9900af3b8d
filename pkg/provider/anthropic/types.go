package anthropic

// Messages API request/response types. Only the text subset is modeled;
// the executor never sends tool or image content.

// MessageRequest is the request body for /v1/messages.
type MessageRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []InputMessage `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

// InputMessage represents one conversation turn.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageResponse is the non-streaming response from /v1/messages.
type MessageResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *MessageUsage  `json:"usage,omitempty"`
}

// ContentBlock is one block of assistant output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageUsage holds token accounting from the Messages API.
type MessageUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is a single SSE data payload. The Type field discriminates:
// message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop, ping, error.
type StreamEvent struct {
	Type    string           `json:"type"`
	Message *MessageResponse `json:"message,omitempty"`
	Delta   *StreamDelta     `json:"delta,omitempty"`
	Usage   *MessageUsage    `json:"usage,omitempty"`
	Error   *ErrorBody       `json:"error,omitempty"`
}

// StreamDelta carries incremental content or the final stop reason.
type StreamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// ErrorResponse is the error body returned by the Messages API.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// ErrorBody holds the error details.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
