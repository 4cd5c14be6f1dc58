package state

import (
	"encoding/json"
	"fetchkit/pkg/common"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newDownloading(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.Create(id, id+".bin", "https://example.com/"+id, "http")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(id, common.StatusStarting))
	require.NoError(t, s.SetStatus(id, common.StatusDownloading))
}

func readSnapshot(t *testing.T, path string) snapshot {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestProgressIsMonotonic(t *testing.T) {
	s := New("")
	newDownloading(t, s, "a")

	var accepted []float64
	for _, p := range []float64{10, 5, 20, 15, 50} {
		ok, err := s.SetProgress("a", p)
		require.NoError(t, err)
		if ok {
			accepted = append(accepted, p)
		}
	}
	assert.Equal(t, []float64{10, 20, 50}, accepted)

	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 50.0, rec.Progress)
}

func TestProgressMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := New("")
		_, err := s.Create("x", "x", "https://h/x", "http")
		if err != nil {
			t.Fatal(err)
		}
		_ = s.SetStatus("x", common.StatusDownloading)

		updates := rapid.SliceOf(rapid.Float64Range(-10, 120)).Draw(t, "updates")
		last := 0.0
		for _, p := range updates {
			if _, err := s.SetProgress("x", p); err != nil {
				t.Fatal(err)
			}
			rec, _ := s.Get("x")
			if rec.Progress < last {
				t.Fatalf("progress went from %v to %v", last, rec.Progress)
			}
			if rec.Progress < 0 || rec.Progress > 100 {
				t.Fatalf("progress %v out of range", rec.Progress)
			}
			last = rec.Progress
		}
	})
}

func TestProgressIgnoredOutsideDownloading(t *testing.T) {
	s := New("")
	_, err := s.Create("p", "p", "https://h/p", "http")
	require.NoError(t, err)

	ok, err := s.SetProgress("p", 30)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetStatus("p", common.StatusDownloading))
	_, err = s.MarkCancelled("p", "stop")
	require.NoError(t, err)

	ok, err = s.SetProgress("p", 60)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SetProgress("missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalStatusNeverChanges(t *testing.T) {
	s := New("")
	newDownloading(t, s, "done")
	_, err := s.Complete("done", "/tmp/done.bin")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetStatus("done", common.StatusDownloading), ErrTerminal)
	_, err = s.Fail("done", "late failure")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = s.MarkCancelled("done", "late cancel")
	assert.ErrorIs(t, err, ErrTerminal)

	rec, err := s.Get("done")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.NotNil(t, rec.DownloadedAt)
	assert.Empty(t, rec.Error)
}

func TestCancelResetsProgress(t *testing.T) {
	s := New("")
	newDownloading(t, s, "c")
	_, err := s.SetProgress("c", 40)
	require.NoError(t, err)

	rec, err := s.MarkCancelled("c", "Download cancelled by user")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, rec.Status)
	assert.Equal(t, 0.0, rec.Progress)
	assert.Equal(t, "Download cancelled by user", rec.Error)
}

func TestCreateDuplicate(t *testing.T) {
	s := New("")
	_, err := s.Create("dup", "f", "u", "p")
	require.NoError(t, err)
	_, err = s.Create("dup", "f", "u", "p")
	assert.ErrorIs(t, err, ErrExists)
}

func TestWriteThroughSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "active_downloads.json")
	s := New(path)
	newDownloading(t, s, "w")
	_, err := s.SetProgress("w", 25)
	require.NoError(t, err)

	snap := readSnapshot(t, path)
	require.Contains(t, snap.Downloads, "w")
	assert.Equal(t, common.StatusDownloading, snap.Downloads["w"].Status)
	assert.Equal(t, 25.0, snap.Downloads["w"].Progress)
	assert.NoFileExists(t, path+".tmp")
}

func TestOpenSweepsInterruptedDownloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active_downloads.json")
	raw := `{"downloads": {
	  "a": {"id": "a", "status": "downloading", "progress": 42},
	  "b": {"id": "b", "status": "starting"},
	  "c": {"id": "c", "status": "completed", "progress": 100, "path": "/x", "extraction_status": "extracting", "extraction_progress": 30},
	  "d": {"id": "d", "status": "cancelled"},
	  "e": {"id": "e", "status": "paused"}
	}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	s, err := Open(path)
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		rec, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, common.StatusFailed, rec.Status, id)
		assert.Equal(t, InterruptedReason, rec.Error, id)
	}

	c, err := s.Get("c")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCompleted, c.Status)
	assert.Equal(t, common.ExtractionFailed, c.ExtractionStatus)
	assert.Equal(t, 0.0, c.ExtractionProgress)

	d, err := s.Get("d")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, d.Status)

	e, err := s.Get("e")
	require.NoError(t, err)
	assert.Equal(t, common.StatusUnknown, e.Status)

	snap := readSnapshot(t, path)
	assert.Equal(t, common.StatusFailed, snap.Downloads["a"].Status)
	assert.Equal(t, common.StatusFailed, snap.Downloads["b"].Status)
}

func TestOpenMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "none.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = Open(bad)
	assert.ErrorContains(t, err, "failed to parse state file")
}

func TestPutManualAndRemove(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New("", WithClock(func() time.Time { return fixed }))

	rec, err := s.PutManual("m", "game.iso", "/data/game.iso")
	require.NoError(t, err)
	assert.Equal(t, "manual", rec.URL)
	assert.Equal(t, "manual", rec.Provider)
	assert.Equal(t, common.StatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.Equal(t, fixed, *rec.DownloadedAt)

	newDownloading(t, s, "busy")
	assert.ErrorIs(t, s.Remove("busy"), ErrNotFinished)
	assert.ErrorIs(t, s.RemoveAbandoned("busy"), ErrNotFinished)

	_, err = s.Create("stale", "a.bin", "https://example.com/a.bin", "direct")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Remove("stale"), ErrNotFinished)
	require.NoError(t, s.RemoveAbandoned("stale"))

	require.NoError(t, s.Remove("m"))
	_, err = s.Get("m")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove("m"), ErrNotFound)
}

func TestExtractionSubState(t *testing.T) {
	s := New("")
	newDownloading(t, s, "x")
	assert.Error(t, s.SetExtraction("x", Extraction{Status: common.ExtractionExtracting}))

	_, err := s.Complete("x", "/tmp/x.zip")
	require.NoError(t, err)

	require.NoError(t, s.SetExtraction("x", Extraction{Status: common.ExtractionExtracting, Progress: 0}))
	require.NoError(t, s.SetExtraction("x", Extraction{Status: common.ExtractionExtracting, Progress: 60}))
	require.NoError(t, s.SetExtraction("x", Extraction{Status: common.ExtractionExtracting, Progress: 30}))

	rec, _ := s.Get("x")
	assert.Equal(t, 60.0, rec.ExtractionProgress)
	assert.ErrorIs(t, s.Remove("x"), ErrNotFinished)

	require.NoError(t, s.SetExtraction("x", Extraction{Status: common.ExtractionCompleted, Path: "/tmp/out"}))
	rec, _ = s.Get("x")
	assert.True(t, rec.Extracted)
	assert.Equal(t, "/tmp/out", rec.ExtractedPath)
	assert.Equal(t, 100.0, rec.ExtractionProgress)
	assert.Equal(t, common.ExtractionCompleted, rec.ExtractionStatus)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New("")
	_, err := s.Create("copy", "f", "u", "p")
	require.NoError(t, err)

	rec, _ := s.Get("copy")
	rec.Status = common.StatusCompleted
	again, _ := s.Get("copy")
	assert.Equal(t, common.StatusPending, again.Status)
}

func TestConcurrentMutations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path, WithIndent(""))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("d%02d", i)
			if _, err := s.Create(id, id, "https://h/"+id, "http"); err != nil {
				t.Error(err)
				return
			}
			_ = s.SetStatus(id, common.StatusDownloading)
			for p := 0; p <= 100; p += 20 {
				_, _ = s.SetProgress(id, float64(p))
			}
			_, _ = s.Complete(id, "/tmp/"+id)
		}()
	}
	wg.Wait()

	snap := readSnapshot(t, path)
	assert.Len(t, snap.Downloads, 16)
	for _, rec := range snap.Downloads {
		assert.Equal(t, common.StatusCompleted, rec.Status)
	}
}
