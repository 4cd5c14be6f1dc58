package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultProgressInterval bounds how often native providers report progress.
const DefaultProgressInterval = 500 * time.Millisecond

// Settings are the user-tunable values read from config.toml.
type Settings struct {
	DownloadDir string `toml:"download_dir,omitempty"`
	PluginDir   string `toml:"plugin_dir,omitempty"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`

	// KillOnCancel terminates a plugin process when its download is cancelled.
	// When false the process is left to finish and reaped in the background.
	KillOnCancel bool `toml:"kill_on_cancel"`
	// MaxConcurrent caps simultaneous downloads and extractions. Zero means unbounded.
	MaxConcurrent int `toml:"max_concurrent"`
	// ProgressInterval is a Go duration string, e.g. "500ms".
	ProgressInterval string `toml:"progress_interval"`
	UnrarPath        string `toml:"unrar_path"`
	AutoRename       bool   `toml:"auto_rename"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:         "info",
		LogFormat:        "text",
		ProgressInterval: DefaultProgressInterval.String(),
		UnrarPath:        "unrar",
		AutoRename:       true,
	}
}

// Interval parses ProgressInterval, falling back to the default when unset.
func (s Settings) Interval() time.Duration {
	if s.ProgressInterval == "" {
		return DefaultProgressInterval
	}
	d, err := time.ParseDuration(s.ProgressInterval)
	if err != nil || d <= 0 {
		return DefaultProgressInterval
	}
	return d
}

// Validate reports settings that cannot be used.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must be >= 0, got %d", s.MaxConcurrent))
	}
	if s.ProgressInterval != "" {
		d, err := time.ParseDuration(s.ProgressInterval)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid progress_interval: %w", err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("progress_interval must be positive, got %s", d))
		}
	}
	return errors.Join(errs...)
}

// LoadSettings reads a TOML settings file over the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := toml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Summary renders the effective settings as TOML.
func (s Settings) Summary() string {
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%+v", s)
	}
	return string(data)
}
