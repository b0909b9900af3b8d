package kubernetes

import "github.com/Ark0N/AI-Code-Executor/pkg/api"

// ExecuteRequest is the request body for POST /execute on the in-pod
// sandbox server.
type ExecuteRequest struct {
	Language       string `json:"language"`
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ExecuteResponse is the response from POST /execute on the in-pod
// sandbox server. Result semantics match the docker backend: a timeout
// or a nonzero exit is reported here, not as a transport error.
type ExecuteResponse struct {
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
	ExitCode        int            `json:"exit_code"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	TimedOut        bool           `json:"timed_out"`
	Files           []api.FileInfo `json:"files,omitempty"`
}
