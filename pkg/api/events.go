package api

// EventType identifies the type of a pipeline stream event.
type EventType string

// Progress events report pipeline activity as it happens.
const (
	EventFeedback    EventType = "feedback"
	EventCodePreview EventType = "code_preview"
	EventExecution   EventType = "execution"
)

// Auto-fix events track the bounded repair loop.
const (
	EventAutoFix         EventType = "auto_fix"
	EventAutoFixPrompt   EventType = "auto_fix_prompt"
	EventAutoFixComplete EventType = "auto_fix_complete"
)

// Terminal events close the stream. Every request produces exactly one
// "done", optionally preceded by one "error" when the run failed fatally.
const (
	EventError EventType = "error"
	EventDone  EventType = "done"
)

// Feedback levels for EventFeedback.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Status values carried by EventAutoFix.
const (
	AutoFixAnalyzing = "analyzing"
	AutoFixFixing    = "fixing"
)

// Event represents a single server-sent event in a pipeline stream.
// Fields are populated per event type; unused fields are omitted from
// the wire format. SequenceNumber increases monotonically from 0 within
// one request stream.
type Event struct {
	Type           EventType `json:"type"`
	SequenceNumber int       `json:"sequence_number"`

	// feedback
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	// code_preview and execution
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// execution. Output and Error are mutually exclusive, selected by
	// exit code: zero populates Output, nonzero populates Error.
	ExecutionID string     `json:"id,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Duration    float64    `json:"duration,omitempty"`
	Files       []FileInfo `json:"files,omitempty"`

	// auto_fix and auto_fix_complete
	Status      string `json:"status,omitempty"`
	Attempt     *int   `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// auto_fix_prompt
	Content string `json:"content,omitempty"`
}

// Terminal reports whether the event closes its stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone
}
