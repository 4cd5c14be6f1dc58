package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Registry holds the loaded plugins keyed by id.
// Mutable
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Manifest
	locator *BinaryLocator
}

// NewRegistry creates an empty registry. locator resolves external binaries
// of script plugins; nil disables external-binary plugins.
func NewRegistry(locator *BinaryLocator) *Registry {
	return &Registry{
		plugins: make(map[string]*Manifest),
		locator: locator,
	}
}

// Load reads every *.json manifest in dir in lexical order and registers the
// valid ones. Invalid manifests are collected into a *LoadError; they never
// prevent their siblings from loading. A missing directory is not an error.
// It returns the ids registered by this call.
func (r *Registry) Load(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("Plugin directory does not exist", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var loaded []string
	loadErr := &LoadError{Dir: dir}

	// os.ReadDir returns entries sorted by filename
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		m, err := r.LoadFile(path)
		if err == nil {
			err = r.Register(m)
		}
		if err != nil {
			slog.Warn("Skipping plugin manifest", "file", path, "error", err)
			loadErr.Failures = append(loadErr.Failures, LoadFailure{File: entry.Name(), Err: err})
			continue
		}
		slog.Debug("Loaded plugin", "id", m.ID, "type", m.Type, "file", path)
		loaded = append(loaded, m.ID)
	}

	if len(loadErr.Failures) > 0 {
		return loaded, loadErr
	}
	return loaded, nil
}

// LoadFile parses one manifest and resolves what its strategy needs on disk.
// The manifest is not registered.
func (r *Registry) LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.File = path
	m.Dir = filepath.Dir(path)

	if m.Type != StrategyScript {
		return m, nil
	}

	program, err := m.Program()
	if err != nil {
		return nil, err
	}

	if m.ExternalBinary {
		if r.locator == nil {
			return nil, fmt.Errorf("plugin %s needs an external binary but no locator is configured", m.ID)
		}
		bin, err := r.locator.Find(m.Language, program)
		if err != nil {
			var bnf *BinaryNotFoundError
			if errors.As(err, &bnf) {
				bnf.Instruction = m.InstallInstruction
			}
			return nil, fmt.Errorf("external binary '%s' for plugin %s: %w", program, m.ID, err)
		}
		m.BinaryPath = bin
		return m, nil
	}

	script := scriptPath(m.Dir, program)
	if !isFile(script) {
		return nil, &ScriptNotFoundError{PluginID: m.ID, Path: script}
	}
	m.ScriptPath = script
	return m, nil
}

// Register adds m to the registry. Ids must be unique.
func (r *Registry) Register(m *Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	r.plugins[m.ID] = m.Clone()
	return nil
}

// Remove drops a plugin from the registry and returns its manifest.
func (r *Registry) Remove(id string) (*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.plugins, id)
	return m, nil
}

// Get returns a copy of the manifest registered under id.
func (r *Registry) Get(id string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.plugins[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// All returns copies of every manifest, ordered by id.
func (r *Registry) All() []*Manifest {
	return r.filter(func(*Manifest) bool { return true })
}

// ByFunction returns the plugins of the given function, ordered by id.
// For custom functions the tag must match as well.
func (r *Registry) ByFunction(fn Function) []*Manifest {
	return r.filter(func(m *Manifest) bool {
		return m.Function == fn
	})
}

// FindForAction returns the first plugin, in id order, that supports action
// and has a host pattern matching host. An empty host matches any plugin.
func (r *Registry) FindForAction(action, host string) (*Manifest, bool) {
	matches := r.filter(func(m *Manifest) bool {
		return m.SupportsAction(action) && m.MatchesHost(host)
	})
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// FindForURL extracts the host of rawURL and looks up a plugin for action.
func (r *Registry) FindForURL(action, rawURL string) (*Manifest, error) {
	host, err := HostOf(rawURL)
	if err != nil {
		return nil, err
	}
	m, ok := r.FindForAction(action, host)
	if !ok {
		return nil, fmt.Errorf("%w for action %q and host %q", ErrNoPlugin, action, host)
	}
	return m, nil
}

// HostOf returns the lower-cased host of rawURL without its port.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

func (r *Registry) filter(keep func(*Manifest) bool) []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Manifest
	for _, m := range r.plugins {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Manifest) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
