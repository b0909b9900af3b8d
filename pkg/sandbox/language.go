package sandbox

import "sort"

// LanguageSpec describes how one language runs inside a container.
type LanguageSpec struct {
	// Interpreter is the binary invoked inside the container.
	Interpreter string

	// Args are extra interpreter flags inserted before the script path.
	Args []string

	// Extension is the script file extension, without the dot.
	Extension string
}

// languages maps canonical language names to their interpreters. Adding a
// language is one entry here plus the interpreter in the container image.
var languages = map[string]LanguageSpec{
	"python":     {Interpreter: "python3", Extension: "py"},
	"javascript": {Interpreter: "node", Extension: "js"},
	"bash":       {Interpreter: "bash", Extension: "sh"},
}

// Language looks up the spec for a canonical language name.
func Language(name string) (LanguageSpec, bool) {
	spec, ok := languages[name]
	return spec, ok
}

// Supported reports whether a canonical language name can be executed.
func Supported(name string) bool {
	_, ok := languages[name]
	return ok
}

// SupportedLanguages returns the canonical language names in sorted order.
func SupportedLanguages() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Command builds the interpreter argv for a script file.
func (s LanguageSpec) Command(scriptPath string) []string {
	cmd := make([]string, 0, len(s.Args)+2)
	cmd = append(cmd, s.Interpreter)
	cmd = append(cmd, s.Args...)
	cmd = append(cmd, scriptPath)
	return cmd
}
