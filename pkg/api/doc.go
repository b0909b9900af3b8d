// Package api defines the core protocol types for the AI code executor
// pipeline.
//
// This package provides all data types needed by the execution pipeline:
// the event union streamed to callers, the error taxonomy, run and
// conversation identifiers, session state machine validation, and the
// records persisted by the storage collaborator.
//
// The package performs no I/O. All types produce the JSON wire format
// consumed by pipeline clients over the SSE stream and the management API.
//
// Core types:
//   - [Event]: one entry in the ordered per-request event stream
//   - [ExecutionUnit]: a language-tagged code block, the atomic unit of execution
//   - [RunRequest]: an inbound pipeline request
//   - [SessionStatus]: auto-fix session states with transition validation
//   - [APIError]: structured error with type, code, param, and message
package api
