package grading

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Language describes how one programming language is compiled and run.
type Language struct {
	Name string

	// SourceExtensions, first entry canonical, identify submitted
	// files; ".%l" placeholders in submission formats resolve to the
	// canonical one.
	SourceExtensions []string

	// CompilationCommands returns the argv sequences that turn sources
	// into executable.
	CompilationCommands func(sources []string, executable string) [][]string

	// EvaluationCommand returns the argv running executable with args.
	EvaluationCommand func(executable string, args []string) []string
}

// CanonicalExtension is the extension substituted for ".%l".
func (l *Language) CanonicalExtension() string { return l.SourceExtensions[0] }

var (
	languagesMu sync.RWMutex
	languages   = map[string]*Language{}
)

// RegisterLanguage adds a language to the registry; duplicate names
// panic at init time.
func RegisterLanguage(l *Language) {
	languagesMu.Lock()
	defer languagesMu.Unlock()
	if _, dup := languages[l.Name]; dup {
		panic(fmt.Sprintf("grading: language %q registered twice", l.Name))
	}
	languages[l.Name] = l
}

// LookupLanguage finds a language by name.
func LookupLanguage(name string) (*Language, error) {
	languagesMu.RLock()
	defer languagesMu.RUnlock()
	l, ok := languages[name]
	if !ok {
		return nil, fmt.Errorf("grading: unknown language %q", name)
	}
	return l, nil
}

// LanguageNames lists the registered languages, sorted.
func LanguageNames() []string {
	languagesMu.RLock()
	defer languagesMu.RUnlock()
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveFilename substitutes the language's canonical extension for a
// trailing ".%l" in a submission-format filename.
func ResolveFilename(filename string, l *Language) string {
	if l != nil && strings.HasSuffix(filename, ".%l") {
		return strings.TrimSuffix(filename, ".%l") + l.CanonicalExtension()
	}
	return filename
}

func init() {
	RegisterLanguage(&Language{
		Name:             "C++17 / g++",
		SourceExtensions: []string{".cpp", ".cc", ".cxx"},
		CompilationCommands: func(sources []string, executable string) [][]string {
			cmd := []string{"/usr/bin/g++", "-DEVAL", "-std=gnu++17", "-O2", "-pipe", "-static",
				"-s", "-o", executable}
			return [][]string{append(cmd, sources...)}
		},
		EvaluationCommand: func(executable string, args []string) []string {
			return append([]string{"./" + executable}, args...)
		},
	})

	RegisterLanguage(&Language{
		Name:             "C11 / gcc",
		SourceExtensions: []string{".c"},
		CompilationCommands: func(sources []string, executable string) [][]string {
			cmd := []string{"/usr/bin/gcc", "-DEVAL", "-std=gnu11", "-O2", "-pipe", "-static",
				"-s", "-o", executable}
			return [][]string{append(append(cmd, sources...), "-lm")}
		},
		EvaluationCommand: func(executable string, args []string) []string {
			return append([]string{"./" + executable}, args...)
		},
	})

	RegisterLanguage(&Language{
		Name:             "Python 3 / CPython",
		SourceExtensions: []string{".py"},
		CompilationCommands: func(sources []string, executable string) [][]string {
			// Byte-compile to surface syntax errors, then bundle the
			// sources under the executable name as a zip app would.
			compile := append([]string{"/usr/bin/python3", "-m", "py_compile"}, sources...)
			bundle := []string{"/bin/cp", sources[0], executable}
			return [][]string{compile, bundle}
		},
		EvaluationCommand: func(executable string, args []string) []string {
			return append([]string{"/usr/bin/python3", executable}, args...)
		},
	})
}
