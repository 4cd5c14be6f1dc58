// Package installer installs plugins into the plugin directory. A plugin is a
// manifest, fetched from a path or URL, plus an optional artifact named by its
// download_url that is cached and then unpacked next to the manifest.
package installer

import (
	"context"
	"fetchkit/pkg/archive"
	"fetchkit/pkg/downloader"
	"fetchkit/pkg/plugin"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Plan carries one installation through its stages.
type Plan struct {
	// Source is the manifest location, a local path or an http(s) URL.
	Source string
	// Raw is the manifest as fetched.
	Raw []byte
	// Manifest is parsed from Raw; it is resolved again once placed.
	Manifest *plugin.Manifest
	// ManifestPath is where the manifest is written in the plugin directory.
	ManifestPath string
	// ArtifactPath is the cached download of Manifest.DownloadURL, if any.
	ArtifactPath string
	// Replace allows overwriting an already registered plugin with the same id.
	Replace bool
}

// Stage is a single step of the installation pipeline.
type Stage func(ctx context.Context, plan *Plan) error

// Installer installs and removes plugins.
// Immutable
type Installer struct {
	d         downloader.Downloader
	registry  *plugin.Registry
	unpacker  archive.Extractor
	pluginDir string
	cacheDir  string
}

// New creates an Installer writing manifests and artifacts to pluginDir and
// caching downloads under cacheDir.
func New(d downloader.Downloader, registry *plugin.Registry, pluginDir, cacheDir string) *Installer {
	return &Installer{
		d:         d,
		registry:  registry,
		pluginDir: pluginDir,
		cacheDir:  cacheDir,
	}
}

// Install runs every stage for source and returns the registered manifest.
func (i *Installer) Install(ctx context.Context, source string, replace bool) (*plugin.Manifest, error) {
	plan := &Plan{Source: source, Replace: replace}
	stages := []struct {
		name string
		run  Stage
	}{
		{"fetch manifest", i.FetchManifestStage},
		{"fetch artifact", i.ArtifactStage},
		{"place artifact", i.PlaceStage},
		{"write manifest", i.WriteManifestStage},
		{"register", i.RegisterStage},
	}
	for _, st := range stages {
		if err := st.run(ctx, plan); err != nil {
			return nil, fmt.Errorf("%s stage failed: %w", st.name, err)
		}
	}
	slog.Info("Plugin installed", "id", plan.Manifest.ID, "version", plan.Manifest.Version, "path", plan.ManifestPath)
	return plan.Manifest, nil
}

// Remove unregisters a plugin and deletes its manifest file. Scripts and
// artifacts are left in place since several manifests may share them.
func (i *Installer) Remove(id string) (*plugin.Manifest, error) {
	m, err := i.registry.Remove(id)
	if err != nil {
		return nil, err
	}
	if m.File != "" {
		if err := os.Remove(m.File); err != nil && !os.IsNotExist(err) {
			return m, fmt.Errorf("failed to delete manifest %s: %w", m.File, err)
		}
	}
	slog.Info("Plugin removed", "id", id, "file", m.File)
	return m, nil
}

func isRemote(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// artifactName is the last path segment of the artifact URL.
func artifactName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "artifact.bin"
}

func (i *Installer) artifactPath(m *plugin.Manifest) string {
	version := m.Version
	if version == "" {
		version = "latest"
	}
	folder := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(m.ID + "-" + version)
	return filepath.Join(i.cacheDir, "plugins", folder, artifactName(m.DownloadURL))
}
