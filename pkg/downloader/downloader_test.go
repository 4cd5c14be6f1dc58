package downloader

import (
	"bytes"
	"context"
	"errors"
	"fetchkit/pkg/common"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mutable
type mockReporter struct {
	mu       sync.Mutex
	percents []float64
}

func (m *mockReporter) Progress(percent float64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.percents = append(m.percents, percent)
}

func (m *mockReporter) last() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.percents) == 0 {
		return -2
	}
	return m.percents[len(m.percents)-1]
}

func TestHTTPDownload(t *testing.T) {
	content := []byte("some large content to test download")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer ts.Close()

	d := NewDefaultDownloader()
	buf := &bytes.Buffer{}
	rep := &mockReporter{}

	err := d.Download(context.Background(), ts.URL, buf, rep)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
	assert.Equal(t, 100.0, rep.last())
}

func TestHTTPRedirect(t *testing.T) {
	content := []byte("redirected content")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer ts.Close()

	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ts.URL, http.StatusMovedPermanently)
	}))
	defer rs.Close()

	d := NewDefaultDownloader()
	buf := &bytes.Buffer{}

	require.NoError(t, d.Download(context.Background(), rs.URL, buf, nil))
	assert.Equal(t, string(content), buf.String())
}

func TestHTTPBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	err := NewDefaultDownloader().Download(context.Background(), ts.URL, &bytes.Buffer{}, nil)
	assert.ErrorContains(t, err, "bad status")
}

func TestUnsupportedScheme(t *testing.T) {
	d := NewDefaultDownloader()
	err := d.Download(context.Background(), "ftp://example.com", &bytes.Buffer{}, nil)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestProgressIsRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4000")
		for i := 0; i < 40; i++ {
			w.Write(bytes.Repeat([]byte("x"), 100))
			w.(http.Flusher).Flush()
		}
	}))
	defer ts.Close()

	d := NewDefaultDownloader(WithInterval(time.Hour))
	rep := &mockReporter{}
	require.NoError(t, d.Download(context.Background(), ts.URL, &bytes.Buffer{}, rep))

	// only the final report fits into an hour-long interval
	assert.Equal(t, []float64{100}, rep.percents)
}

func TestToFileCancelRemovesPartial(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write(bytes.Repeat([]byte("x"), 1000))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	path := filepath.Join(t.TempDir(), "partial.bin")
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- ToFile(ctx, NewDefaultDownloader(), ts.URL, path, nil)
	}()

	<-started
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, common.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancellation")
	}
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".part")
}

func TestToFileOverwritesStalePart(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("complete"))
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "plugin.tar.gz")
	// left behind by a process that died mid-transfer
	require.NoError(t, os.WriteFile(path+".part", []byte("trunc"), 0644))

	require.NoError(t, ToFile(context.Background(), NewDefaultDownloader(), ts.URL, path, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(data))
	assert.NoFileExists(t, path+".part")
}

func TestToFileFailureLeavesNoTarget(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "plugin.tar.gz")
	err := ToFile(context.Background(), NewDefaultDownloader(), ts.URL, path, nil)
	require.Error(t, err)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".part")
}

func TestProviders(t *testing.T) {
	set := NewDefaultProviders(NewDefaultDownloader())
	assert.Equal(t, []string{"http", "mediafire"}, set.Names())

	p, err := set.Get("MediaFire")
	require.NoError(t, err)
	assert.Equal(t, "mediafire", p.Name())

	_, err = set.Get("mega")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestHTTPProviderFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "out.bin")
	p := NewHTTPProvider(NewDefaultDownloader())
	require.NoError(t, p.Fetch(context.Background(), Request{URL: ts.URL, TargetPath: path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMediaFireScrapesLink(t *testing.T) {
	var pageHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/file/abc/game.zip/file", func(w http.ResponseWriter, r *http.Request) {
		// the first render has no link yet
		if pageHits.Add(1) == 1 {
			fmt.Fprint(w, `<html><body><p>loading</p></body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body><a class="input popsok" href="/direct/game.zip">Download</a></body></html>`)
	})
	mux.HandleFunc("/direct/game.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zipdata"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	p := &mediafireProvider{d: NewDefaultDownloader(), attempts: 3, retryDelay: 10 * time.Millisecond}
	path := filepath.Join(t.TempDir(), "game.zip")
	require.NoError(t, p.Fetch(context.Background(), Request{URL: ts.URL + "/file/abc/game.zip/file", TargetPath: path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zipdata", string(data))
	assert.Equal(t, int32(2), pageHits.Load())
}

func TestMediaFireGivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>nothing here</body></html>`)
	}))
	defer ts.Close()

	p := &mediafireProvider{d: NewDefaultDownloader(), attempts: 3, retryDelay: time.Millisecond}
	err := p.Fetch(context.Background(), Request{URL: ts.URL, TargetPath: filepath.Join(t.TempDir(), "x")})
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestMediaFireCancelDuringRetryWait(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html></html>`)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := &mediafireProvider{d: NewDefaultDownloader(), attempts: 3, retryDelay: time.Minute}
	err := p.Fetch(ctx, Request{URL: ts.URL, TargetPath: filepath.Join(t.TempDir(), "x")})
	assert.ErrorIs(t, err, common.ErrCancelled)
}
