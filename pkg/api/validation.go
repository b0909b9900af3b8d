package api

import "fmt"

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	// MaxTextBytes caps the size of the text payload a run request may
	// carry. Zero disables the check.
	MaxTextBytes int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxTextBytes: 10 * 1024 * 1024, // 10MB
	}
}

// ValidateRunRequest checks a RunRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request
// is valid.
func ValidateRunRequest(req *RunRequest, cfg ValidationConfig) *APIError {
	if req.ConversationID == "" {
		return NewInvalidRequestError("conversation_id", "conversation_id is required")
	}

	if !ValidateConversationID(req.ConversationID) {
		return NewInvalidRequestError("conversation_id", "malformed conversation ID")
	}

	if req.Text == "" {
		return NewInvalidRequestError("text", "text is required")
	}

	if cfg.MaxTextBytes > 0 && len(req.Text) > cfg.MaxTextBytes {
		return NewInvalidRequestError("text",
			fmt.Sprintf("text exceeds maximum of %d bytes", cfg.MaxTextBytes))
	}

	return nil
}

// ValidateSettings checks a Settings update for validity.
func ValidateSettings(s *Settings) *APIError {
	if s.CPUs <= 0 {
		return NewInvalidRequestError("docker_cpus", "docker_cpus must be positive")
	}
	if s.TimeoutSeconds < 0 {
		return NewInvalidRequestError("docker_timeout", "docker_timeout must be zero or positive")
	}
	if s.AutoFixMaxAttempts < 0 {
		return NewInvalidRequestError("auto_fix_max_attempts", "auto_fix_max_attempts must be zero or positive")
	}
	return nil
}
