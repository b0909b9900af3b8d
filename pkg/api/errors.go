package api

import "fmt"

// ErrorType represents the category of a pipeline error.
type ErrorType string

const (
	// Infrastructure failures. Fatal to the whole request; never retried
	// by the auto-fix loop.
	ErrorTypeContainerCreation ErrorType = "container_creation_error"
	ErrorTypeContainerRuntime  ErrorType = "container_runtime_error"

	// ErrorTypeExecutionTimeout marks a unit that hit its wall-clock
	// deadline. Treated as a normal execution failure, not fatal.
	ErrorTypeExecutionTimeout ErrorType = "execution_timeout"

	// ErrorTypeProvider marks an AI collaborator failure. Fatal to the
	// request; must not consume an auto-fix attempt.
	ErrorTypeProvider ErrorType = "provider_error"

	// ErrorTypeExtractionEmpty marks a fix response that contained no
	// executable units; the session moves directly to Exhausted.
	ErrorTypeExtractionEmpty ErrorType = "extraction_empty"

	// ErrorTypeConversationBusy marks a request rejected because another
	// pipeline task is already using the conversation's container.
	ErrorTypeConversationBusy ErrorType = "conversation_busy"

	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeServerError    ErrorType = "server_error"
)

// APIError represents a structured pipeline error with type, code, param,
// and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Fatal reports whether the error aborts the run immediately instead of
// feeding the auto-fix loop.
func (e *APIError) Fatal() bool {
	switch e.Type {
	case ErrorTypeContainerCreation, ErrorTypeContainerRuntime,
		ErrorTypeProvider, ErrorTypeServerError:
		return true
	}
	return false
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level
// error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewContainerCreationError creates an APIError for container creation
// failures (runtime unreachable, limits unsatisfiable).
func NewContainerCreationError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeContainerCreation,
		Message: message,
	}
}

// NewContainerRuntimeError creates an APIError for failures of an already
// created container (exec, inspect, remove).
func NewContainerRuntimeError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeContainerRuntime,
		Message: message,
	}
}

// NewExecutionTimeoutError creates an APIError for a unit that exceeded
// its execution deadline.
func NewExecutionTimeoutError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeExecutionTimeout,
		Message: message,
	}
}

// NewProviderError creates an APIError for AI collaborator failures.
func NewProviderError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeProvider,
		Message: message,
	}
}

// NewExtractionEmptyError creates an APIError for fix responses without
// executable code.
func NewExtractionEmptyError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeExtractionEmpty,
		Message: message,
	}
}

// NewConversationBusyError creates an APIError for requests rejected by
// the per-conversation serialization lock.
func NewConversationBusyError(conversationID string) *APIError {
	return &APIError{
		Type:    ErrorTypeConversationBusy,
		Message: fmt.Sprintf("conversation %s already has an execution in progress", conversationID),
	}
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}
