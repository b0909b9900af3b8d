// Package sandbox defines the runtime-neutral contracts for per-conversation
// execution containers.
//
// A Runtime manages container lifecycle and code execution for one backend
// (Docker Engine, Kubernetes agent-sandbox). Each conversation owns at most
// one container; the container survives across executions so installed
// packages and workspace files persist, and is reclaimed after idling.
//
// Backends live in the subpackages docker and kubernetes. This package
// contains only shared types, the language table, and resource limit
// handling, not the backends themselves.
package sandbox
