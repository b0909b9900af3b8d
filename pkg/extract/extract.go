// Package extract parses AI response text into an ordered sequence of
// language-tagged execution units.
//
// Extraction is pure and deterministic: identical input always yields an
// identical unit sequence, and no state is retained between calls.
package extract

import (
	"regexp"
	"strings"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// fencedBlock matches one markdown code fence with an optional language
// tag. A single pass keeps units in document order even when tagged and
// untagged blocks interleave.
var fencedBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9_+.-]*)[ \t]*\n(.*?)```")

// aliases maps declared language tags to their canonical names.
var aliases = map[string]string{
	"python":     "python",
	"py":         "python",
	"javascript": "javascript",
	"js":         "javascript",
	"node":       "javascript",
	"bash":       "bash",
	"sh":         "bash",
	"shell":      "bash",
}

// decorative tags mark blocks that are display-only and never executed.
var decorative = map[string]bool{
	"text": true, "plaintext": true, "plain": true,
	"markdown": true, "md": true,
	"json": true, "yaml": true, "yml": true, "toml": true, "ini": true,
	"csv": true, "tsv": true,
	"html": true, "xml": true, "css": true, "svg": true,
	"output": true, "console": true, "log": true,
	"diff": true, "patch": true,
}

// Extract scans text for fenced code blocks and returns the executable
// ones as ordered units. Blocks with a recognized language tag keep their
// canonical language; unknown tags are kept as declared so the execution
// engine can report them. Untagged blocks are classified by content and
// default to a shell interpretation when they look executable; blocks
// that read like prose or carry a decorative tag are excluded.
func Extract(text string) []api.ExecutionUnit {
	var units []api.ExecutionUnit
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(strings.TrimSpace(m[1]))
		code := strings.TrimRight(m[2], "\n")

		lang, ok := classify(tag, code)
		if !ok {
			continue
		}

		units = append(units, api.ExecutionUnit{
			Language: lang,
			Code:     code,
			Ordinal:  len(units),
		})
	}
	return units
}

// classify resolves a block's language. The boolean is false for blocks
// that must not execute.
func classify(tag, code string) (string, bool) {
	if strings.TrimSpace(code) == "" {
		return "", false
	}

	if tag != "" {
		if lang, ok := aliases[tag]; ok {
			return lang, true
		}
		if decorative[tag] {
			return "", false
		}
		// Declared but unsupported. Keep it; the engine reports the
		// unsupported language as a failed execution.
		return tag, true
	}

	return detect(code)
}

// detect classifies an untagged block by its content.
func detect(code string) (string, bool) {
	trimmed := strings.TrimSpace(code)
	switch {
	case hasPythonMarkers(trimmed):
		return "python", true
	case hasShellMarkers(trimmed):
		return "bash", true
	case hasJavaScriptMarkers(trimmed):
		return "javascript", true
	case looksExecutable(trimmed):
		return "bash", true
	}
	return "", false
}

func hasPythonMarkers(code string) bool {
	return strings.HasPrefix(code, "import ") ||
		strings.HasPrefix(code, "from ") ||
		strings.Contains(code, "def ") ||
		strings.Contains(code, "print(")
}

func hasShellMarkers(code string) bool {
	return strings.HasPrefix(code, "#!/bin/bash") ||
		strings.HasPrefix(code, "#!/bin/sh") ||
		strings.HasPrefix(code, "apt") ||
		strings.HasPrefix(code, "pip ")
}

func hasJavaScriptMarkers(code string) bool {
	return strings.HasPrefix(code, "const ") ||
		strings.HasPrefix(code, "let ") ||
		strings.HasPrefix(code, "var ") ||
		strings.Contains(code, "console.log")
}

// commandToken matches a plausible command name at the start of a line.
var commandToken = regexp.MustCompile(`^[A-Za-z0-9_./~$-]+$`)

// looksExecutable reports whether an untagged block reads like a sequence
// of shell commands rather than prose. Blank lines and comments are
// allowed between commands.
func looksExecutable(code string) bool {
	sawCommand := false
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if !commandToken.MatchString(fields[0]) {
			return false
		}
		if proseLine(line) {
			return false
		}
		sawCommand = true
	}
	return sawCommand
}

// proseLine flags lines that read like natural-language sentences: several
// words ending in sentence punctuation.
func proseLine(line string) bool {
	if !strings.HasSuffix(line, ".") &&
		!strings.HasSuffix(line, "!") &&
		!strings.HasSuffix(line, "?") {
		return false
	}
	return len(strings.Fields(line)) >= 4
}
