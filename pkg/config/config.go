// Package config manages application-wide settings and directory structures.
// It follows XDG specifications for the configuration, cache and download
// locations, and reads user settings from a TOML file in the config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	appName          = "fetchkit"
	stateFileName    = "active_downloads.json"
	settingsFileName = "config.toml"
)

// ReadOnly defines the read-only interface for Config.
// Immutable
type ReadOnly interface {
	GetConfigDir() string
	GetCacheDir() string
	GetStateFile() string
	GetSettingsFile() string
	GetPluginDir() string
	GetDownloadDir() string
	GetHomeDir() string
	GetSettings() Settings
	Freeze()
	Checkout() Writable
}

// Writable defines the writable interface for Config.
// Mutable
type Writable interface {
	ReadOnly
	SetConfigDir(string)
	SetCacheDir(string)
	SetPluginDir(string)
	SetDownloadDir(string)
	LoadSettings() error
	UpdateSettings(func(*Settings))
}

// Config holds the base directories and user settings for fetchkit.
// Mutable
type Config struct {
	configDir string
	cacheDir  string
	homeDir   string

	stateFile    string
	settingsFile string
	pluginDir    string
	downloadDir  string

	// defaults used when neither a flag nor the settings file names a directory
	defaultDownloadDir string

	pluginDirOverride   string
	downloadDirOverride string

	settings Settings

	frozen bool
	edited bool
}

var _ ReadOnly = (*Config)(nil)
var _ Writable = (*Config)(nil)

func (c *Config) GetConfigDir() string    { return c.configDir }
func (c *Config) GetCacheDir() string     { return c.cacheDir }
func (c *Config) GetStateFile() string    { return c.stateFile }
func (c *Config) GetSettingsFile() string { return c.settingsFile }
func (c *Config) GetPluginDir() string    { return c.pluginDir }
func (c *Config) GetDownloadDir() string  { return c.downloadDir }
func (c *Config) GetHomeDir() string      { return c.homeDir }
func (c *Config) GetSettings() Settings   { return c.settings }

func (c *Config) mustBeWritable() {
	if c.frozen {
		panic("cannot modify frozen config")
	}
}

func (c *Config) SetConfigDir(s string) {
	c.mustBeWritable()
	c.configDir = s
	c.updateDerived()
}

func (c *Config) SetCacheDir(s string) {
	c.mustBeWritable()
	c.cacheDir = s
	c.updateDerived()
}

// SetPluginDir overrides both the default and the settings file value.
func (c *Config) SetPluginDir(s string) {
	c.mustBeWritable()
	c.pluginDirOverride = s
	c.updateDerived()
}

// SetDownloadDir overrides both the default and the settings file value.
func (c *Config) SetDownloadDir(s string) {
	c.mustBeWritable()
	c.downloadDirOverride = s
	c.updateDerived()
}

// LoadSettings reads the settings file from the current config directory.
// A missing file leaves the defaults in place.
func (c *Config) LoadSettings() error {
	c.mustBeWritable()
	s, err := LoadSettings(c.settingsFile)
	if err != nil {
		return err
	}
	c.settings = s
	c.updateDerived()
	return nil
}

func (c *Config) UpdateSettings(fn func(*Settings)) {
	c.mustBeWritable()
	fn(&c.settings)
	c.updateDerived()
}

func (c *Config) Freeze() {
	c.frozen = true
}

func (c *Config) Checkout() Writable {
	if c.frozen {
		panic("cannot checkout from frozen config")
	}
	if c.edited {
		panic("config already checked out")
	}
	c.edited = true
	return c
}

func (c *Config) updateDerived() {
	c.stateFile = filepath.Join(c.configDir, stateFileName)
	c.settingsFile = filepath.Join(c.configDir, settingsFileName)

	c.pluginDir = firstNonEmpty(
		c.pluginDirOverride,
		c.expand(c.settings.PluginDir),
		filepath.Join(c.configDir, "plugins"),
	)
	c.downloadDir = firstNonEmpty(
		c.downloadDirOverride,
		c.expand(c.settings.DownloadDir),
		c.defaultDownloadDir,
	)
}

// expand resolves a leading "~/" against the home directory.
func (c *Config) expand(p string) string {
	if len(p) >= 2 && p[:2] == "~/" && c.homeDir != "" {
		return filepath.Join(c.homeDir, p[2:])
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Init initializes the configuration using XDG base directories.
// Settings are not read until LoadSettings is called on a checked out config,
// so that the config directory can be overridden first.
func Init() (ReadOnly, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	c := &Config{
		configDir:          filepath.Join(xdg.ConfigHome, appName),
		cacheDir:           filepath.Join(xdg.CacheHome, appName),
		homeDir:            home,
		defaultDownloadDir: filepath.Join(xdg.UserDirs.Download, appName),
		settings:           DefaultSettings(),
	}

	c.updateDerived()

	return c, nil
}

// NewForTest builds a config rooted at dir, laid out like Init.
func NewForTest(dir string) Writable {
	c := &Config{
		configDir:          filepath.Join(dir, "config"),
		cacheDir:           filepath.Join(dir, "cache"),
		homeDir:            filepath.Join(dir, "home"),
		defaultDownloadDir: filepath.Join(dir, "downloads"),
		settings:           DefaultSettings(),
		edited:             true,
	}
	c.updateDerived()
	return c
}
