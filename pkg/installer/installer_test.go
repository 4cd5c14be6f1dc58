package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fetchkit/pkg/downloader"
	"fetchkit/pkg/plugin"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstaller(t *testing.T) (*Installer, *plugin.Registry, string) {
	t.Helper()
	root := t.TempDir()
	reg := plugin.NewRegistry(plugin.NewBinaryLocator(root))
	pluginDir := filepath.Join(root, "plugins")
	return New(downloader.NewDefaultDownloader(), reg, pluginDir, filepath.Join(root, "cache")), reg, pluginDir
}

func TestInstallFromArchive(t *testing.T) {
	var artifactHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/fetcher.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		artifactHits.Add(1)
		gw := gzip.NewWriter(w)
		tw := tar.NewWriter(gw)
		content := []byte("#!/bin/sh\necho hi\n")
		tw.WriteHeader(&tar.Header{Name: "fetcher.sh", Mode: 0755, Size: int64(len(content)), Typeflag: tar.TypeReg})
		tw.Write(content)
		tw.Close()
		gw.Close()
	})
	var ts *httptest.Server
	mux.HandleFunc("/fetcher.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
		  "id": "fetcher", "version": "1.2.0", "type": "script",
		  "entry_point": "fetcher.sh", "language": "sh",
		  "supported_hosts": ["*.example.com"], "supported_actions": ["download"],
		  "download_url": %q
		}`, ts.URL+"/fetcher.tar.gz")
	})
	ts = httptest.NewServer(mux)
	defer ts.Close()

	inst, reg, pluginDir := newInstaller(t)
	m, err := inst.Install(context.Background(), ts.URL+"/fetcher.json", false)
	require.NoError(t, err)

	assert.Equal(t, "fetcher", m.ID)
	assert.Equal(t, filepath.Join(pluginDir, "fetcher.sh"), m.ScriptPath)
	assert.FileExists(t, filepath.Join(pluginDir, "fetcher.json"))
	assert.NoDirExists(t, filepath.Join(pluginDir, ".fetcher.tmp"))

	got, ok := reg.Get("fetcher")
	require.True(t, ok)
	assert.Equal(t, plugin.DefaultCategory, got.Category)

	// a second install is refused unless replacing, and reuses the cached artifact
	_, err = inst.Install(context.Background(), ts.URL+"/fetcher.json", false)
	assert.ErrorIs(t, err, plugin.ErrDuplicateID)

	_, err = inst.Install(context.Background(), ts.URL+"/fetcher.json", true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), artifactHits.Load())
}

func TestInstallLocalManifestWithoutArtifact(t *testing.T) {
	inst, reg, pluginDir := newInstaller(t)
	src := filepath.Join(t.TempDir(), "direct.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"direct","type":"native","entry_point":"http","supported_actions":["download"]}`), 0644))

	m, err := inst.Install(context.Background(), src, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(pluginDir, "direct.json"), m.File)
	assert.Equal(t, []string{"direct"}, reg.IDs())
}

func TestInstallMissingScriptRollsBack(t *testing.T) {
	inst, reg, pluginDir := newInstaller(t)
	src := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"broken","type":"script","entry_point":"nowhere.py"}`), 0644))

	_, err := inst.Install(context.Background(), src, false)
	var snf *plugin.ScriptNotFoundError
	require.ErrorAs(t, err, &snf)
	assert.NoFileExists(t, filepath.Join(pluginDir, "broken.json"))
	assert.Empty(t, reg.IDs())
}

func TestInstallPlainArtifactIsCopied(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#!/bin/sh\nexit 0\n"))
	}))
	defer ts.Close()

	inst, _, pluginDir := newInstaller(t)
	src := filepath.Join(t.TempDir(), "tool.json")
	manifest := fmt.Sprintf(`{"id":"tool","type":"script","entry_point":"tool.sh","language":"sh","download_url":%q}`, ts.URL+"/tool.sh")
	require.NoError(t, os.WriteFile(src, []byte(manifest), 0644))

	m, err := inst.Install(context.Background(), src, false)
	require.NoError(t, err)

	info, err := os.Stat(m.ScriptPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0100)
	assert.Equal(t, filepath.Join(pluginDir, "tool.sh"), m.ScriptPath)
}

func TestRemove(t *testing.T) {
	inst, reg, pluginDir := newInstaller(t)
	src := filepath.Join(t.TempDir(), "direct.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"direct","type":"native","entry_point":"http"}`), 0644))
	_, err := inst.Install(context.Background(), src, false)
	require.NoError(t, err)

	_, err = inst.Remove("direct")
	require.NoError(t, err)
	assert.Empty(t, reg.IDs())
	assert.NoFileExists(t, filepath.Join(pluginDir, "direct.json"))

	_, err = inst.Remove("direct")
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}
