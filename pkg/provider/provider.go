package provider

import (
	"context"
)

// Provider abstracts an AI text-completion backend. The interface is
// protocol-agnostic: each adapter handles its own backend protocol
// (Chat Completions, Anthropic Messages) internally.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Provider interface {
	// Name returns the provider identifier (e.g., "openaicompat", "anthropic").
	Name() string

	// Complete performs non-streaming inference and returns the full
	// assistant text.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs streaming inference. The returned channel receives
	// Event values and is closed by the provider when the stream
	// completes or errors.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)

	// Close releases provider resources (HTTP clients, connections).
	Close() error
}
