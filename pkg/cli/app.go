package cli

import (
	"context"
	"errors"
	"fetchkit/pkg/archive"
	"fetchkit/pkg/cache"
	"fetchkit/pkg/cancel"
	"fetchkit/pkg/config"
	"fetchkit/pkg/dispatch"
	"fetchkit/pkg/downloader"
	"fetchkit/pkg/engine"
	"fetchkit/pkg/events"
	"fetchkit/pkg/installer"
	"fetchkit/pkg/logging"
	"fetchkit/pkg/plugin"
	"fetchkit/pkg/state"
	"fetchkit/pkg/target"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configDir   string
	pluginDir   string
	downloadDir string
	logLevel    string
	logFormat   string
}

// App holds the wired components for one command invocation.
type App struct {
	Config    config.ReadOnly
	Store     *state.Store
	Registry  *plugin.Registry
	Engine    *engine.Engine
	Installer *installer.Installer

	unlock cache.Unlock
}

// loadConfig resolves directories and settings, flags taking precedence.
func loadConfig(opts *globalOptions) (config.ReadOnly, error) {
	base, err := config.Init()
	if err != nil {
		return nil, fmt.Errorf("error initializing config: %w", err)
	}

	cfg := base.Checkout()
	if opts.configDir != "" {
		cfg.SetConfigDir(opts.configDir)
	}
	if err := cfg.LoadSettings(); err != nil {
		return nil, err
	}
	if opts.pluginDir != "" {
		cfg.SetPluginDir(opts.pluginDir)
	}
	if opts.downloadDir != "" {
		cfg.SetDownloadDir(opts.downloadDir)
	}
	cfg.UpdateSettings(func(s *config.Settings) {
		if opts.logLevel != "" {
			s.LogLevel = opts.logLevel
		}
		if opts.logFormat != "" {
			s.LogFormat = opts.logFormat
		}
	})
	cfg.Freeze()
	return cfg, nil
}

func setupLogging(s config.Settings, w io.Writer) error {
	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(s.LogFormat)
	if err != nil {
		return err
	}
	logging.Setup(level, format, w)
	return nil
}

// openApp locks the state file and wires the download stack. Events go to
// sink as well as to the debug log.
func openApp(opts *globalOptions, logOut io.Writer, sink events.Sink) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	settings := cfg.GetSettings()
	if err := setupLogging(settings, logOut); err != nil {
		return nil, err
	}
	slog.Debug("Starting", "build", config.GetBuildInfo(), "config", cfg.GetConfigDir())

	unlock, err := cache.TryLock(cfg.GetStateFile())
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return nil, fmt.Errorf("another fetchkit is running: %w", err)
		}
		return nil, err
	}

	store, err := state.Open(cfg.GetStateFile())
	if err != nil {
		unlock()
		return nil, err
	}

	registry := plugin.NewRegistry(plugin.NewBinaryLocator(cfg.GetHomeDir()))
	ids, err := registry.Load(cfg.GetPluginDir())
	var loadErr *plugin.LoadError
	switch {
	case errors.As(err, &loadErr):
		for _, f := range loadErr.Failures {
			slog.Warn("Skipping plugin", "file", f.File, "error", f.Err)
		}
	case err != nil:
		unlock()
		return nil, err
	}
	slog.Debug("Loaded plugins", "dir", cfg.GetPluginDir(), "ids", ids)

	d := downloader.NewDefaultDownloader(downloader.WithInterval(settings.Interval()))
	providers := downloader.NewDefaultProviders(d)
	disp := dispatch.New(providers, d, dispatch.WithKillOnCancel(settings.KillOnCancel))
	coord := cancel.New(store)

	if sink == nil {
		sink = events.Nop{}
	}
	eng := engine.New(registry, store, coord, disp, cfg.GetDownloadDir(),
		engine.WithSink(events.Multi{events.Log{}, sink}),
		engine.WithMaxConcurrent(settings.MaxConcurrent),
		engine.WithUnpacker(archive.Extractor{UnrarPath: settings.UnrarPath}),
	)

	return &App{
		Config:    cfg,
		Store:     store,
		Registry:  registry,
		Engine:    eng,
		Installer: installer.New(d, registry, cfg.GetPluginDir(), cfg.GetCacheDir()),
		unlock:    unlock,
	}, nil
}

// Mode is the path resolver mode from settings, unless exact is forced.
func (a *App) Mode(exact bool) target.Mode {
	if exact || !a.Config.GetSettings().AutoRename {
		return target.Exact
	}
	return target.AutoRename
}

// EnsureDownloadDir creates the configured download directory. Directories
// passed with --dir must already exist.
func (a *App) EnsureDownloadDir() error {
	if err := os.MkdirAll(a.Config.GetDownloadDir(), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	return nil
}

// Close cancels whatever is still running and releases the state lock.
func (a *App) Close() error {
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	err := a.Engine.Shutdown(ctx)
	if uerr := a.unlock(); uerr != nil && !os.IsNotExist(uerr) {
		err = errors.Join(err, uerr)
	}
	return err
}
