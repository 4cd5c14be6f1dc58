package plugin

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

var installHints = map[string]string{
	"rust":   "Please install Rust via rustup (https://rustup.rs/)",
	"go":     "Please install Go (https://golang.org/doc/install)",
	"python": "Please install Python (https://www.python.org/downloads/)",
	"node":   "Please install Node.js (https://nodejs.org/)",
}

// BinaryLocator finds the executables of external-binary plugins.
// It checks the language's usual install directory first and then PATH.
// Immutable
type BinaryLocator struct {
	Home     string
	LookPath func(file string) (string, error)
	Glob     func(pattern string) ([]string, error)
}

// NewBinaryLocator returns a locator rooted at the user's home directory.
func NewBinaryLocator(home string) *BinaryLocator {
	return &BinaryLocator{
		Home:     home,
		LookPath: exec.LookPath,
		Glob:     filepath.Glob,
	}
}

// Find resolves program for the given language. An empty language skips the
// language-specific directory and goes straight to PATH.
func (l *BinaryLocator) Find(language, program string) (string, error) {
	language = strings.ToLower(strings.TrimSpace(language))

	if language != "" {
		candidates, err := l.candidates(language, program)
		if err != nil {
			return "", err
		}
		for _, c := range candidates {
			if isFile(c) {
				return c, nil
			}
		}
	}

	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if p, err := lookPath(program); err == nil {
		return p, nil
	}

	return "", &BinaryNotFoundError{
		Program:  program,
		Language: language,
		Hint:     installHints[language],
	}
}

func (l *BinaryLocator) candidates(language, program string) ([]string, error) {
	switch language {
	case "rust":
		return []string{filepath.Join(l.Home, ".cargo", "bin", program)}, nil
	case "go":
		return []string{filepath.Join(l.Home, "go", "bin", program)}, nil
	case "python":
		return []string{filepath.Join(l.Home, ".local", "bin", program)}, nil
	case "bash":
		return []string{program}, nil
	case "node":
		glob := l.Glob
		if glob == nil {
			glob = filepath.Glob
		}
		matches, err := glob(filepath.Join(l.Home, ".nvm", "versions", "node", "*", "bin", program))
		if err != nil {
			return nil, nil
		}
		// prefer the lexically greatest version directory
		slices.Sort(matches)
		slices.Reverse(matches)
		return matches, nil
	default:
		return nil, &UnsupportedLanguageError{Language: language}
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
