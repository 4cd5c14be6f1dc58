package installer

import (
	"bytes"
	"context"
	"fetchkit/pkg/archive"
	"fetchkit/pkg/cache"
	"fetchkit/pkg/downloader"
	"fetchkit/pkg/plugin"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// FetchManifestStage reads the manifest from disk or the network and parses it.
func (i *Installer) FetchManifestStage(ctx context.Context, plan *Plan) error {
	if isRemote(plan.Source) {
		var buf bytes.Buffer
		if err := i.d.Download(ctx, plan.Source, &buf, nil); err != nil {
			return err
		}
		plan.Raw = buf.Bytes()
	} else {
		data, err := os.ReadFile(plan.Source)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		plan.Raw = data
	}

	m, err := plugin.ParseManifest(plan.Raw)
	if err != nil {
		return err
	}
	if _, exists := i.registry.Get(m.ID); exists && !plan.Replace {
		return fmt.Errorf("%w: %s", plugin.ErrDuplicateID, m.ID)
	}
	plan.Manifest = m
	plan.ManifestPath = filepath.Join(i.pluginDir, m.ID+".json")
	return nil
}

// ArtifactStage downloads download_url into the cache. An artifact already in
// the cache is reused.
func (i *Installer) ArtifactStage(ctx context.Context, plan *Plan) error {
	if plan.Manifest.DownloadURL == "" {
		return nil
	}
	plan.ArtifactPath = i.artifactPath(plan.Manifest)
	if err := os.MkdirAll(filepath.Dir(plan.ArtifactPath), 0755); err != nil {
		return err
	}

	slog.Info("Downloading plugin artifact", "url", plan.Manifest.DownloadURL, "path", plan.ArtifactPath)
	return cache.Ensure(ctx, plan.ArtifactPath, func() error {
		return downloader.ToFile(ctx, i.d, plan.Manifest.DownloadURL, plan.ArtifactPath, nil)
	})
}

// PlaceStage unpacks an archive artifact into the plugin directory, or copies
// any other artifact there as an executable.
func (i *Installer) PlaceStage(ctx context.Context, plan *Plan) error {
	if plan.ArtifactPath == "" {
		return nil
	}
	if err := os.MkdirAll(i.pluginDir, 0755); err != nil {
		return err
	}

	if archive.IsSupported(plan.ArtifactPath) {
		// extract beside the plugin dir first so a broken archive leaves nothing behind
		tmpDir := filepath.Join(i.pluginDir, "."+plan.Manifest.ID+".tmp")
		if err := os.RemoveAll(tmpDir); err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)

		if err := i.unpacker.Extract(ctx, plan.ArtifactPath, tmpDir, nil); err != nil {
			return err
		}
		return moveEntries(tmpDir, i.pluginDir)
	}

	dest := filepath.Join(i.pluginDir, filepath.Base(plan.ArtifactPath))
	return copyFile(plan.ArtifactPath, dest, 0755)
}

// WriteManifestStage writes the manifest atomically into the plugin directory.
func (i *Installer) WriteManifestStage(ctx context.Context, plan *Plan) error {
	if err := os.MkdirAll(i.pluginDir, 0755); err != nil {
		return err
	}
	tmp := plan.ManifestPath + ".tmp"
	if err := os.WriteFile(tmp, plan.Raw, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, plan.ManifestPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// RegisterStage loads the placed manifest, so that its script or binary is
// resolved exactly as at startup, and registers it.
func (i *Installer) RegisterStage(ctx context.Context, plan *Plan) error {
	m, err := i.registry.LoadFile(plan.ManifestPath)
	if err != nil {
		os.Remove(plan.ManifestPath)
		return err
	}
	if plan.Replace {
		// a missing previous registration is fine
		_, _ = i.registry.Remove(m.ID)
	}
	if err := i.registry.Register(m); err != nil {
		return err
	}
	plan.Manifest = m
	return nil
}

func moveEntries(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		to := filepath.Join(dest, entry.Name())
		if err := os.RemoveAll(to); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(src, entry.Name()), to); err != nil {
			return fmt.Errorf("failed to place %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
