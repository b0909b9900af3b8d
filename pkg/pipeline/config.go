package pipeline

import "github.com/Ark0N/AI-Code-Executor/pkg/sandbox"

// DefaultSystemPrompt steers the model toward responses the extractor
// and executor can act on. Used for fix requests when no override is
// configured.
const DefaultSystemPrompt = "You are a professional coder who provides complete, executable code solutions. Present only code, no explanatory text or instructions on how to execute. Present code blocks in the order they should be executed. If dependencies are needed, install them first using a bash script. This approach gives the best results for automatic code execution."

// DefaultFixPrompt is the error-report template sent to the model when
// an execution fails. The {errors} placeholder receives the failing
// execution's language, error output, and exit code.
const DefaultFixPrompt = "The code execution failed with the following error(s):\n\n" +
	"{errors}\n\n" +
	"Please provide ONLY the fixed code in code blocks. Do not include any explanations, commentary, or text outside of code blocks. Just the working code."

// Defaults applied by the effective-value helpers below.
const (
	DefaultMaxFixAttempts = 10
	DefaultTimeoutSeconds = 30
)

// Config holds configuration for one Pipeline instance.
type Config struct {
	// Limits bound each conversation's container. Fixed at container
	// creation; changing them later requires destroy-and-recreate.
	Limits sandbox.ResourceLimits

	// DefaultModel is used when a request omits the model field. Empty
	// string means fix requests must carry a model.
	DefaultModel string

	// TimeoutSeconds is the per-unit execution deadline. Nil means the
	// default of 30; explicit zero disables the deadline entirely.
	TimeoutSeconds *int

	// MaxFixAttempts bounds the auto-fix loop. Nil means the default of
	// 10; explicit zero reports a failed fix outcome without running
	// any fix round.
	MaxFixAttempts *int

	// SystemPrompt overrides the system prompt sent with fix requests.
	// Empty means DefaultSystemPrompt.
	SystemPrompt string

	// FixPrompt overrides the error-report template. Empty means
	// DefaultFixPrompt. The {errors} placeholder receives the failure
	// details.
	FixPrompt string
}

// timeoutSeconds returns the effective per-unit timeout.
func (c Config) timeoutSeconds() int {
	if c.TimeoutSeconds == nil {
		return DefaultTimeoutSeconds
	}
	if *c.TimeoutSeconds < 0 {
		return 0
	}
	return *c.TimeoutSeconds
}

// maxAttempts returns the effective auto-fix attempt budget.
func (c Config) maxAttempts() int {
	if c.MaxFixAttempts == nil {
		return DefaultMaxFixAttempts
	}
	if *c.MaxFixAttempts < 0 {
		return 0
	}
	return *c.MaxFixAttempts
}

// systemPrompt returns the effective system prompt for fix requests.
func (c Config) systemPrompt() string {
	if c.SystemPrompt == "" {
		return DefaultSystemPrompt
	}
	return c.SystemPrompt
}

// fixPrompt returns the effective error-report template.
func (c Config) fixPrompt() string {
	if c.FixPrompt == "" {
		return DefaultFixPrompt
	}
	return c.FixPrompt
}
