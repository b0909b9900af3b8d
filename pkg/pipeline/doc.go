// Package pipeline implements the core execution orchestration. The
// Pipeline struct implements transport.StreamRunner, bridging incoming
// run requests to the container runtime and AI providers. It extracts
// code units from response text, executes them in the conversation's
// container, drives the bounded auto-fix loop on failure, and emits
// every transition as an ordered event stream with exactly one terminal
// done per request. Optional persistence uses nil-safe composition.
package pipeline
