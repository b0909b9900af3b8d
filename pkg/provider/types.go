package provider

// Request is the backend-facing completion request. It contains only the
// information the provider needs, stripped of transport and storage concerns.
type Request struct {
	// Model is the backend model identifier. The router may rewrite
	// aliases and strip routing prefixes before the adapter sees it.
	Model string `json:"model"`

	// System is the system prompt, carried separately because the
	// Anthropic Messages API takes it as a top-level field.
	System string `json:"system,omitempty"`

	// Messages is the conversation history, oldest first.
	Messages []Message `json:"messages"`

	// MaxTokens caps the completion length (0 = adapter default).
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
}

// Message represents one turn in the provider's conversation format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Response is the full, non-streaming completion result.
type Response struct {
	// Text is the assistant's complete reply.
	Text string `json:"text"`

	// Model is the model that actually served the request, as reported
	// by the backend.
	Model string `json:"model,omitempty"`

	// Usage holds token accounting when the backend reports it.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage holds token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EventType identifies the kind of streaming event.
type EventType int

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventType = iota

	// EventDone signals successful stream completion. Usage is populated
	// when the backend reported it.
	EventDone

	// EventError signals stream failure. Err is populated.
	EventError
)

// Event is a single streaming event from the backend.
type Event struct {
	// Type indicates what kind of event this is.
	Type EventType

	// Delta contains incremental text for EventTextDelta.
	Delta string

	// Usage is populated on the final event when the backend reports it.
	Usage *Usage

	// Err is populated if the stream encountered an error.
	Err error
}
