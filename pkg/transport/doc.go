// Package transport defines the runner interfaces and middleware chain for
// the executor's HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the execution pipeline.
// It deserializes incoming requests into the types defined in pkg/api,
// dispatches them for processing, and streams pipeline events back to the
// client over SSE.
//
// # Runner Interface
//
// StreamRunner is the contract between the transport layer and the
// pipeline: one call per inbound request, all progress reported through
// the EventWriter. The EventWriter abstracts the SSE stream, so the
// pipeline never touches HTTP.
//
// # Middleware
//
// The middleware chain wraps StreamRunner with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), and structured logging via log/slog.
//
// # Conversation Locks
//
// ConversationLocks enforces the one-execution-per-conversation rule: a
// second request for a conversation whose pipeline is still running is
// rejected with a conversation_busy error, and a conversation delete can
// cancel the active run.
package transport
