package api

import "time"

// ---------------------------------------------------------------------------
// Execution types
// ---------------------------------------------------------------------------

// ExecutionUnit is one language-tagged block of code extracted from AI
// output, the atomic unit of execution. Immutable once created.
type ExecutionUnit struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	// Ordinal is the unit's position within the batch it was extracted
	// from, starting at 0.
	Ordinal int `json:"ordinal"`
}

// FileInfo describes a file produced or modified by an execution.
// Content is included only when the file fits under the view ceiling;
// larger files carry metadata and the Truncated flag.
type FileInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ExecutionRecord is the finalized form of one execution handed to the
// persistence collaborator. The pipeline writes these and never reads
// them back; the management API serves them to clients.
type ExecutionRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Language       string     `json:"language"`
	Code           string     `json:"code"`
	Output         string     `json:"output,omitempty"`
	ExitCode       int        `json:"exit_code"`
	DurationMS     int64      `json:"duration_ms"`
	Files          []FileInfo `json:"files,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AutoFixSession is the finalized outcome of one auto-fix loop handed to
// the persistence collaborator. Like ExecutionRecord, the pipeline writes
// these and never reads them back.
type AutoFixSession struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Status         SessionStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// ---------------------------------------------------------------------------
// Conversation types
// ---------------------------------------------------------------------------

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Conversation is a logical session owning exactly one container across
// its lifetime.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Model     string    `json:"model,omitempty"`
	AutoFix   bool      `json:"auto_fix"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a conversation as persisted by the storage
// collaborator.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Requests and settings
// ---------------------------------------------------------------------------

// RunRequest is an inbound pipeline request: AI response text to extract
// code from, plus the knobs governing the run.
type RunRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Model          string `json:"model,omitempty"`
	AutoFix        bool   `json:"auto_fix"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title   string `json:"title,omitempty"`
	Model   string `json:"model,omitempty"`
	AutoFix *bool  `json:"auto_fix,omitempty"`
}

// UpdateSettingsRequest is the body of PATCH /api/settings. All fields
// are optional; only the ones present are applied.
type UpdateSettingsRequest struct {
	CPUs               *float64 `json:"docker_cpus,omitempty"`
	Memory             *string  `json:"docker_memory,omitempty"`
	Storage            *string  `json:"docker_storage,omitempty"`
	TimeoutSeconds     *int     `json:"docker_timeout,omitempty"`
	AutoFixMaxAttempts *int     `json:"auto_fix_max_attempts,omitempty"`
}

// Settings are the runtime knobs adjustable through the management API.
// Changing container limits takes effect on the next container creation;
// existing containers are destroyed and recreated, which discards their
// workspace contents.
type Settings struct {
	CPUs               float64 `json:"docker_cpus"`
	Memory             string  `json:"docker_memory"`
	Storage            string  `json:"docker_storage"`
	TimeoutSeconds     int     `json:"docker_timeout"`
	AutoFixMaxAttempts int     `json:"auto_fix_max_attempts"`
}

// ---------------------------------------------------------------------------
// Pointer helpers
// ---------------------------------------------------------------------------

// Int returns a pointer to the given int. Useful for optional event fields
// where zero is a meaningful value.
func Int(v int) *int {
	return &v
}

// Bool returns a pointer to the given bool.
func Bool(v bool) *bool {
	return &v
}
