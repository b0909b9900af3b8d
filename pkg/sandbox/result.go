package sandbox

import (
	"strings"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// ExecutionResult is the observed outcome of running one unit. Timeouts
// and nonzero exits are results, not errors; only infrastructure failures
// surface as errors from Runtime.Execute.
type ExecutionResult struct {
	Unit     api.ExecutionUnit
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool

	// Files lists workspace files created or modified by this
	// execution. Contents above the view ceiling carry metadata only.
	Files []api.FileInfo
}

// Success reports whether the execution completed cleanly. A zero exit
// code alone is not enough: anything on stderr counts as a failure so
// that silent errors still feed the fix loop.
func (r *ExecutionResult) Success() bool {
	return r.ExitCode == 0 && r.Stderr == ""
}

// UnsupportedLanguageResult is the failed result reported when a unit
// declares a language no backend can run. It is a normal failure so the
// fix loop gets a chance to reissue the code in a supported language.
func UnsupportedLanguageResult(unit api.ExecutionUnit) *ExecutionResult {
	return &ExecutionResult{
		Unit:     unit,
		Stderr:   "Unsupported language: " + unit.Language + ". Supported languages: " + strings.Join(SupportedLanguages(), ", "),
		ExitCode: 1,
	}
}

// CombinedOutput merges stdout and stderr the way they are reported to
// the user: both streams in order of capture, joined by a newline, with
// surrounding whitespace trimmed.
func (r *ExecutionResult) CombinedOutput() string {
	parts := make([]string, 0, 2)
	if r.Stdout != "" {
		parts = append(parts, r.Stdout)
	}
	if r.Stderr != "" {
		parts = append(parts, r.Stderr)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
