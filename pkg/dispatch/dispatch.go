// Package dispatch executes a download through the strategy its plugin
// manifest declares: an in-process native provider, a templated command line,
// or a script speaking the JSON stdin/stdout protocol.
package dispatch

import (
	"context"
	"errors"
	"fetchkit/pkg/common"
	"fetchkit/pkg/downloader"
	"fetchkit/pkg/plugin"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

var (
	// ErrInvalidURL is returned for a malformed or host-less URL.
	ErrInvalidURL = common.ErrInvalidURL
	// ErrUnsupportedProvider is returned when a native plugin names an unknown provider,
	// or a manifest has a strategy this build cannot run.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrDownloadFailed wraps every failure of the download itself.
	ErrDownloadFailed = errors.New("download failed")
	// ErrCancelled is returned when the download's token was signalled.
	ErrCancelled = common.ErrCancelled
)

// InterpreterError is returned when no interpreter is known for a script.
type InterpreterError struct {
	PluginID string
	Script   string
	Language string
}

func (e *InterpreterError) Error() string {
	if e.Language != "" {
		return fmt.Sprintf("plugin %s: no interpreter for language %q", e.PluginID, e.Language)
	}
	return fmt.Sprintf("plugin %s: cannot choose an interpreter for %s; set \"language\" in the manifest", e.PluginID, e.Script)
}

// Request is one download to execute.
type Request struct {
	DownloadID string
	URL        string
	TargetPath string
	Options    map[string]any
	// Progress receives percent updates where the strategy can report them.
	Progress downloader.Reporter
}

// Dispatcher runs plugins. It holds no per-download state and is safe for
// concurrent use.
// Immutable
type Dispatcher struct {
	providers    *downloader.Providers
	downloader   downloader.Downloader
	killOnCancel bool
	lookPath     func(string) (string, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithKillOnCancel terminates plugin processes when their download is cancelled.
// Without it a cancelled process is left running and reaped in the background.
func WithKillOnCancel(kill bool) Option {
	return func(d *Dispatcher) { d.killOnCancel = kill }
}

// WithLookPath replaces exec.LookPath for interpreter discovery.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Dispatcher) { d.lookPath = fn }
}

// New creates a Dispatcher. providers serve native plugins; d is handed to
// in-process scripts for their http builtins.
func New(providers *downloader.Providers, d downloader.Downloader, opts ...Option) *Dispatcher {
	disp := &Dispatcher{
		providers:  providers,
		downloader: d,
		lookPath:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(disp)
	}
	return disp
}

// Execute performs the download and returns the path of the produced file.
// It blocks until the plugin finishes or ctx is cancelled.
func (d *Dispatcher) Execute(ctx context.Context, m *plugin.Manifest, req Request) (string, error) {
	if _, err := plugin.HostOf(req.URL); err != nil {
		return "", err
	}
	if req.Progress == nil {
		req.Progress = downloader.ReporterFunc(func(float64, string) {})
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	slog.Debug("Dispatching download", "id", req.DownloadID, "plugin", m.ID, "type", m.Type)

	switch m.Type {
	case plugin.StrategyNative:
		return d.executeNative(ctx, m, req)
	case plugin.StrategyCommand:
		return d.executeCommand(ctx, m, req)
	case plugin.StrategyScript:
		return d.executeScript(ctx, m, req)
	default:
		return "", fmt.Errorf("%w: plugin type %q", ErrUnsupportedProvider, m.Type)
	}
}

func (d *Dispatcher) executeNative(ctx context.Context, m *plugin.Manifest, req Request) (string, error) {
	if d.providers == nil {
		return "", fmt.Errorf("%w: no native providers configured", ErrUnsupportedProvider)
	}
	name, err := m.Program()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedProvider, err)
	}
	provider, err := d.providers.Get(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedProvider, err)
	}

	err = provider.Fetch(ctx, downloader.Request{
		URL:        req.URL,
		TargetPath: req.TargetPath,
		Progress:   req.Progress,
	})
	if err != nil {
		if errors.Is(err, common.ErrCancelled) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, provider.Name(), err)
	}
	if !fileExists(req.TargetPath) {
		return "", fmt.Errorf("%w: %s finished but %s does not exist", ErrDownloadFailed, provider.Name(), req.TargetPath)
	}
	return req.TargetPath, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
