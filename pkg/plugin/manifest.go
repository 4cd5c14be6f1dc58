// Package plugin loads plugin manifests from disk and answers which plugin
// should handle a given action for a given host.
//
// A manifest describes one of three execution strategies. Script plugins run
// an interpreter or external binary speaking a JSON protocol over stdin and
// stdout. Command plugins run a templated command line. Native plugins name a
// provider compiled into the binary.
package plugin

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/shlex"
)

// DefaultCategory is assigned to manifests that do not declare a category.
const DefaultCategory = "optional"

// Strategy selects how a plugin is executed.
type Strategy string

const (
	StrategyScript  Strategy = "script"
	StrategyCommand Strategy = "command"
	StrategyNative  Strategy = "native"
)

// ParseStrategy converts a manifest "type" value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyScript:
		return StrategyScript, nil
	case StrategyCommand:
		return StrategyCommand, nil
	case StrategyNative:
		return StrategyNative, nil
	default:
		return "", fmt.Errorf("unsupported plugin type: %q", s)
	}
}

// FunctionKind is the broad purpose of a plugin.
type FunctionKind string

const (
	FunctionDownload  FunctionKind = "download"
	FunctionTranslate FunctionKind = "translate"
	FunctionEmulation FunctionKind = "emulation"
	FunctionCustom    FunctionKind = "custom"
)

// Function is a tagged union: one of the known kinds, or custom with a tag.
// On the wire known kinds are plain strings and custom is {"custom": "tag"}.
// An unrecognized plain string decodes as custom with that string as its tag.
type Function struct {
	Kind FunctionKind
	Tag  string
}

func (f Function) String() string {
	if f.Kind == FunctionCustom {
		return "custom(" + f.Tag + ")"
	}
	return string(f.Kind)
}

func (f Function) MarshalJSON() ([]byte, error) {
	if f.Kind == FunctionCustom {
		return json.Marshal(map[string]string{"custom": f.Tag})
	}
	return json.Marshal(string(f.Kind))
}

func (f *Function) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = ParseFunction(s)
		return nil
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("plugin_function must be a string or {\"custom\": tag}: %w", err)
	}
	tag, ok := obj["custom"]
	if !ok || len(obj) != 1 {
		return fmt.Errorf("plugin_function object must have exactly one key \"custom\"")
	}
	*f = Function{Kind: FunctionCustom, Tag: tag}
	return nil
}

// ParseFunction maps a plain name to a Function.
func ParseFunction(s string) Function {
	switch FunctionKind(strings.ToLower(strings.TrimSpace(s))) {
	case FunctionDownload:
		return Function{Kind: FunctionDownload}
	case FunctionTranslate:
		return Function{Kind: FunctionTranslate}
	case FunctionEmulation:
		return Function{Kind: FunctionEmulation}
	default:
		return Function{Kind: FunctionCustom, Tag: s}
	}
}

// Manifest is the on-disk description of a plugin.
// Immutable once registered.
type Manifest struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	SupportedHosts     []string `json:"supported_hosts"`
	EntryPoint         string   `json:"entry_point"`
	Type               Strategy `json:"type"`
	Function           Function `json:"plugin_function"`
	ExternalBinary     bool     `json:"external_binary,omitempty"`
	Language           string   `json:"language,omitempty"`
	SuccessMarker      string   `json:"successful,omitempty"`
	InstallInstruction string   `json:"install_instruction,omitempty"`
	SupportedActions   []string `json:"supported_actions"`
	Category           string   `json:"category,omitempty"`
	// DownloadURL is where the plugin's own files can be fetched from.
	DownloadURL string `json:"download_url,omitempty"`

	// Resolved at load time.
	BinaryPath string `json:"-"`
	ScriptPath string `json:"-"`
	Dir        string `json:"-"`
	File       string `json:"-"`
}

// ParseManifest decodes and normalizes a manifest. It does not touch the filesystem.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize() error {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return fmt.Errorf("manifest is missing 'id'")
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		return fmt.Errorf("manifest %s is missing 'entry_point'", m.ID)
	}
	st, err := ParseStrategy(string(m.Type))
	if err != nil {
		return fmt.Errorf("manifest %s: %w", m.ID, err)
	}
	m.Type = st
	if m.Function.Kind == "" {
		m.Function = Function{Kind: FunctionDownload}
	}
	if m.Category == "" {
		m.Category = DefaultCategory
	}
	m.Language = strings.ToLower(strings.TrimSpace(m.Language))
	if m.Name == "" {
		m.Name = m.ID
	}
	return nil
}

// Tokens splits the entry point the way a POSIX shell would.
func (m *Manifest) Tokens() ([]string, error) {
	tokens, err := shlex.Split(m.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("invalid entry_point for plugin %s: %w", m.ID, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty entry_point for plugin %s", m.ID)
	}
	return tokens, nil
}

// Program is the first token of the entry point.
func (m *Manifest) Program() (string, error) {
	tokens, err := m.Tokens()
	if err != nil {
		return "", err
	}
	return tokens[0], nil
}

// SupportsAction reports whether action is listed in supported_actions.
func (m *Manifest) SupportsAction(action string) bool {
	return slices.Contains(m.SupportedActions, action)
}

// MatchesHost reports whether any supported host pattern matches host.
func (m *Manifest) MatchesHost(host string) bool {
	if host == "" {
		return true
	}
	for _, pattern := range m.SupportedHosts {
		if HostMatches(pattern, host) {
			return true
		}
	}
	return false
}

// HostMatches compares a supported_hosts pattern with a host, ignoring case.
// "*.example.com" matches any host ending in ".example.com" but not
// "example.com" itself. An empty host matches every pattern.
func HostMatches(pattern, host string) bool {
	if host == "" {
		return true
	}
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok && strings.HasPrefix(suffix, ".") {
		return strings.HasSuffix(host, suffix)
	}
	return pattern == host
}

// Clone returns a copy that shares nothing mutable with m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.SupportedHosts = slices.Clone(m.SupportedHosts)
	c.SupportedActions = slices.Clone(m.SupportedActions)
	return &c
}

// scriptPath is where a non-binary script named by program lives under dir.
func scriptPath(dir, program string) string {
	if filepath.IsAbs(program) {
		return program
	}
	return filepath.Join(dir, program)
}
