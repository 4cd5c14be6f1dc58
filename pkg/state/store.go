// Package state keeps the record of every known download and its extraction
// sub-state. Every mutation is written through to a JSON snapshot on disk so
// that a restarted process can see what happened before it.
package state

import (
	"encoding/json"
	"errors"
	"fetchkit/pkg/common"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// InterruptedReason is the error recorded for downloads that were in flight
// when the previous process stopped.
const InterruptedReason = "Download interrupted by application shutdown"

var (
	ErrNotFound = errors.New("download not found")
	ErrExists   = errors.New("download already exists")
	// ErrTerminal is returned for a transition out of a terminal status.
	ErrTerminal = errors.New("download already finished")
	// ErrNotFinished is returned when an operation needs a terminal record.
	ErrNotFinished = errors.New("download still in progress")
)

// snapshot is the on-disk shape.
type snapshot struct {
	Downloads map[string]*common.DownloadRecord `json:"downloads"`
}

// Store is safe for concurrent use. Reads return copies.
// Mutable
type Store struct {
	mu       sync.RWMutex
	path     string
	records  map[string]*common.DownloadRecord
	indent   string
	fileMode os.FileMode
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIndent sets the snapshot indentation. "" writes compact JSON.
func WithIndent(indent string) Option {
	return func(s *Store) { s.indent = indent }
}

// WithFileMode sets the snapshot file permissions.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) { s.fileMode = mode }
}

// WithClock replaces time.Now for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store that persists to path. An empty path keeps
// everything in memory.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		records:  map[string]*common.DownloadRecord{},
		indent:   "  ",
		fileMode: 0644,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads the snapshot at path and runs the crash-recovery sweep: every
// record left starting or downloading becomes failed with InterruptedReason.
// A missing file yields an empty store.
func Open(path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) > 0 {
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
		}
		for id, rec := range snap.Downloads {
			if rec == nil {
				continue
			}
			if rec.ID == "" {
				rec.ID = id
			}
			s.records[id] = rec
		}
	}

	if n := s.sweepLocked(); n > 0 {
		slog.Info("Marked interrupted downloads as failed", "count", n)
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) sweepLocked() int {
	n := 0
	for _, rec := range s.records {
		if rec.Status.InFlight() {
			rec.Status = common.StatusFailed
			rec.Error = InterruptedReason
			n++
		}
		if rec.ExtractionStatus == common.ExtractionExtracting {
			rec.ExtractionStatus = common.ExtractionFailed
			rec.ExtractionProgress = 0
			n++
		}
	}
	return n
}

// Path is the snapshot location.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the record.
func (s *Store) Get(id string) (*common.DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Snapshot returns copies of all records ordered by id.
func (s *Store) Snapshot() []*common.DownloadRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.records))
	out := make([]*common.DownloadRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// Create inserts a new pending record.
func (s *Store) Create(id, filename, url, provider string) (*common.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	rec := &common.DownloadRecord{
		ID:               id,
		Filename:         filename,
		URL:              url,
		Provider:         provider,
		Status:           common.StatusPending,
		ExtractionStatus: common.ExtractionIdle,
	}
	s.records[id] = rec
	if err := s.saveLocked(); err != nil {
		return rec.Clone(), err
	}
	return rec.Clone(), nil
}

// PutManual inserts a completed record for a file obtained outside the dispatcher.
func (s *Store) PutManual(id, filename, path string) (*common.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := s.now()
	rec := &common.DownloadRecord{
		ID:               id,
		Filename:         filename,
		URL:              "manual",
		Provider:         "manual",
		Status:           common.StatusCompleted,
		Progress:         100,
		Path:             path,
		DownloadedAt:     &now,
		ExtractionStatus: common.ExtractionIdle,
	}
	s.records[id] = rec
	return rec.Clone(), s.saveLocked()
}

// SetStatus moves a non-terminal record to a non-terminal status.
// Terminal transitions go through Complete, Fail and MarkCancelled.
func (s *Store) SetStatus(id string, status common.Status) error {
	if status.Terminal() {
		return fmt.Errorf("use Complete, Fail or MarkCancelled to set %s", status)
	}
	return s.mutate(id, func(rec *common.DownloadRecord) (bool, error) {
		if rec.Status == status {
			return false, nil
		}
		rec.Status = status
		return true, nil
	})
}

// SetPath records where the download is being written.
func (s *Store) SetPath(id, path string) error {
	return s.mutate(id, func(rec *common.DownloadRecord) (bool, error) {
		if rec.Path == path {
			return false, nil
		}
		rec.Path = path
		return true, nil
	})
}

// SetProgress stores p if the record is downloading and p is not below the
// stored value. It reports whether the value was accepted.
func (s *Store) SetProgress(id string, p float64) (bool, error) {
	p = common.ClampPercent(p)
	applied := false
	err := s.mutate(id, func(rec *common.DownloadRecord) (bool, error) {
		if rec.Status != common.StatusDownloading || p < rec.Progress {
			return false, nil
		}
		applied = true
		if p == rec.Progress {
			return false, nil
		}
		rec.Progress = p
		return true, nil
	})
	if errors.Is(err, ErrTerminal) {
		return false, nil
	}
	return applied, err
}

// Complete marks the download finished at path.
func (s *Store) Complete(id, path string) (*common.DownloadRecord, error) {
	var out *common.DownloadRecord
	err := s.mutate(id, func(rec *common.DownloadRecord) (bool, error) {
		now := s.now()
		rec.Status = common.StatusCompleted
		rec.Progress = 100
		rec.Path = path
		rec.Error = ""
		rec.DownloadedAt = &now
		out = rec.Clone()
		return true, nil
	})
	return out, err
}

// Fail marks the download failed with msg.
func (s *Store) Fail(id, msg string) (*common.DownloadRecord, error) {
	var out *common.DownloadRecord
	err := s.mutate(id, func(rec *common.DownloadRecord) (bool, error) {
		rec.Status = common.StatusFailed
		rec.Error = msg
		out = rec.Clone()
		return true, nil
	})
	return out, err
}

// MarkCancelled marks the download cancelled and resets its progress.
func (s *Store) MarkCancelled(id, msg string) (*common.DownloadRecord, error) {
	var out *common.DownloadRecord
	err := s.mutate(id, func(rec *common.DownloadRecord) (bool, error) {
		rec.Status = common.StatusCancelled
		rec.Progress = 0
		rec.Error = msg
		out = rec.Clone()
		return true, nil
	})
	return out, err
}

// Extraction describes one extraction sub-state update.
type Extraction struct {
	Status   common.ExtractionStatus
	Progress float64
	// Path is recorded on completion.
	Path string
}

// SetExtraction updates the extraction sub-state of a completed download.
// A finished extraction may be restarted; progress within one run never
// decreases.
func (s *Store) SetExtraction(id string, x Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != common.StatusCompleted {
		return fmt.Errorf("cannot extract download %s in status %s", id, rec.Status)
	}

	p := common.ClampPercent(x.Progress)
	switch x.Status {
	case common.ExtractionExtracting:
		if rec.ExtractionStatus == common.ExtractionExtracting && p < rec.ExtractionProgress {
			return nil
		}
		rec.ExtractionStatus = x.Status
		rec.ExtractionProgress = p
	case common.ExtractionCompleted:
		rec.ExtractionStatus = x.Status
		rec.ExtractionProgress = 100
		rec.Extracted = true
		rec.ExtractedPath = x.Path
	case common.ExtractionFailed:
		rec.ExtractionStatus = x.Status
		rec.ExtractionProgress = 0
	case common.ExtractionIdle:
		if rec.ExtractionStatus == common.ExtractionExtracting {
			return fmt.Errorf("extraction of %s is running", id)
		}
		rec.ExtractionStatus = x.Status
		rec.ExtractionProgress = 0
	default:
		return fmt.Errorf("unknown extraction status %q", x.Status)
	}
	return s.saveLocked()
}

// Remove forgets a finished download.
func (s *Store) Remove(id string) error {
	return s.remove(id, false)
}

// RemoveAbandoned is Remove that also accepts pending records. The caller
// must know that no download will start for id, as with pending records
// left by an earlier process.
func (s *Store) RemoveAbandoned(id string) error {
	return s.remove(id, true)
}

func (s *Store) remove(id string, pendingOK bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	finished := rec.Status.Terminal() || rec.Status == common.StatusUnknown ||
		(pendingOK && rec.Status == common.StatusPending)
	if !finished {
		return fmt.Errorf("%w: %s is %s", ErrNotFinished, id, rec.Status)
	}
	if rec.ExtractionStatus == common.ExtractionExtracting {
		return fmt.Errorf("%w: %s is being extracted", ErrNotFinished, id)
	}
	delete(s.records, id)
	return s.saveLocked()
}

// mutate applies fn to a non-terminal record and persists when fn reports a change.
func (s *Store) mutate(id string, fn func(*common.DownloadRecord) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.Status)
	}
	changed, err := fn(rec)
	if err != nil || !changed {
		return err
	}
	return s.saveLocked()
}

// saveLocked writes the snapshot atomically. Must be called with the write lock held.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	snap := snapshot{Downloads: s.records}
	var (
		data []byte
		err  error
	)
	if s.indent != "" {
		data, err = json.MarshalIndent(snap, "", s.indent)
	} else {
		data, err = json.Marshal(snap)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, s.fileMode); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp state file: %w", err)
	}
	return nil
}
