// Package provider defines the protocol-agnostic interface for the AI
// backends that produce code and code fixes. Each adapter implementation
// (openaicompat, anthropic) handles its own backend protocol translation
// internally. The interface operates on the executor's own types (Request,
// Response, Event), keeping backend protocol details invisible to the
// pipeline.
package provider
