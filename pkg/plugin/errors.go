package plugin

import (
	"errors"
	"fetchkit/pkg/common"
	"fmt"
	"strings"
)

var (
	// ErrInvalidURL is returned when a URL is malformed or has no host.
	ErrInvalidURL = common.ErrInvalidURL
	// ErrNoPlugin is returned when no registered plugin handles a request.
	ErrNoPlugin = errors.New("no plugin found")
	// ErrDuplicateID is returned when a manifest id is already registered.
	ErrDuplicateID = errors.New("duplicate plugin id")
	// ErrNotFound is returned for an unknown plugin id.
	ErrNotFound = errors.New("plugin not found")
)

// BinaryNotFoundError reports an external binary that could not be located.
type BinaryNotFoundError struct {
	Program  string
	Language string
	// Hint is the generic install hint for the language, if any.
	Hint string
	// Instruction is the manifest's own install_instruction, if any.
	Instruction string
}

func (e *BinaryNotFoundError) Error() string {
	where := e.Language
	if where == "" {
		where = "any language-specific directory"
	}
	msg := fmt.Sprintf("binary '%s' not found in %s or PATH", e.Program, where)
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	if e.Instruction != "" {
		msg += "\nInstallation instruction: " + e.Instruction
	}
	return msg
}

// UnsupportedLanguageError is returned for a language with no known install location.
type UnsupportedLanguageError struct {
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language: %s", e.Language)
}

// ScriptNotFoundError reports a script plugin whose script file is missing.
type ScriptNotFoundError struct {
	PluginID string
	Path     string
}

func (e *ScriptNotFoundError) Error() string {
	return fmt.Sprintf("script file %s not found for plugin %s", e.Path, e.PluginID)
}

// LoadFailure is one manifest that could not be loaded.
type LoadFailure struct {
	File string
	Err  error
}

// LoadError aggregates every manifest failure of a Load call. Manifests that
// loaded fine are registered regardless.
type LoadError struct {
	Dir      string
	Failures []LoadFailure
}

func (e *LoadError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "failed to load %d plugin manifest(s) from %s:", len(e.Failures), e.Dir)
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "\n- %s: %v", f.File, f.Err)
	}
	return sb.String()
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
