package api

import "fmt"

// SessionStatus represents the state of an auto-fix session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionAnalyzing SessionStatus = "analyzing"
	SessionFixing    SessionStatus = "fixing"
	SessionExecuting SessionStatus = "executing"
	SessionSucceeded SessionStatus = "succeeded"
	SessionExhausted SessionStatus = "exhausted"
	SessionAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status allows no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionSucceeded, SessionExhausted, SessionAborted:
		return true
	}
	return false
}

// ValidateSessionTransition checks whether an auto-fix session status
// transition is valid. An empty "from" status represents the initial state
// before the session started. Terminal states (succeeded, exhausted,
// aborted) do not allow outgoing transitions.
func ValidateSessionTransition(from, to SessionStatus) *APIError {
	valid := map[SessionStatus][]SessionStatus{
		"":          {SessionIdle},
		SessionIdle: {SessionExecuting, SessionExhausted, SessionAborted},
		SessionExecuting: {
			SessionSucceeded, SessionAnalyzing, SessionExhausted, SessionAborted,
		},
		SessionAnalyzing: {SessionFixing, SessionExhausted, SessionAborted},
		SessionFixing:    {SessionExecuting, SessionExhausted, SessionAborted},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidRequestError("status",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
