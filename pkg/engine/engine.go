// Package engine runs downloads end to end. It picks a plugin, resolves the
// target path, records every transition in the state store, and hands the
// work to the dispatcher on its own goroutine.
package engine

import (
	"context"
	"errors"
	"fetchkit/pkg/archive"
	"fetchkit/pkg/cancel"
	"fetchkit/pkg/common"
	"fetchkit/pkg/dispatch"
	"fetchkit/pkg/events"
	"fetchkit/pkg/plugin"
	"fetchkit/pkg/state"
	"fetchkit/pkg/target"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultAction is used when a StartRequest names none.
const DefaultAction = "download"

// ErrBusy is returned when an operation conflicts with a running download or extraction.
var ErrBusy = errors.New("download is busy")

// Unpacker extracts archives. archive.Extractor satisfies it.
type Unpacker interface {
	Extract(ctx context.Context, src, dest string, progress archive.ProgressFunc) error
}

// StartRequest describes a download to start.
type StartRequest struct {
	URL string
	// Filename is the requested name; empty or "file" derives it from the URL.
	Filename string
	// PluginID bypasses host matching when set.
	PluginID string
	Action   string
	// Dir overrides the engine's download directory.
	Dir     string
	Mode    target.Mode
	Options map[string]any
}

// Engine is safe for concurrent use.
// Mutable
type Engine struct {
	registry    *plugin.Registry
	store       *state.Store
	coord       *cancel.Coordinator
	disp        *dispatch.Dispatcher
	unpacker    Unpacker
	sink        events.Sink
	sem         *semaphore.Weighted
	downloadDir string
	newID       func() string

	wg         sync.WaitGroup
	mu         sync.Mutex
	done       map[string]chan struct{}
	reserved   map[string]string
	extracting map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the event sink.
func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMaxConcurrent caps the number of downloads dispatching at once. 0 means no cap.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		} else {
			e.sem = nil
		}
	}
}

// WithUnpacker replaces the archive extractor.
func WithUnpacker(u Unpacker) Option {
	return func(e *Engine) { e.unpacker = u }
}

// WithIDGenerator replaces the uuid-based download id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New wires an Engine from its collaborators.
func New(registry *plugin.Registry, store *state.Store, coord *cancel.Coordinator, disp *dispatch.Dispatcher, downloadDir string, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		store:       store,
		coord:       coord,
		disp:        disp,
		unpacker:    archive.Extractor{},
		sink:        events.Nop{},
		downloadDir: downloadDir,
		newID:       uuid.NewString,
		done:        map[string]chan struct{}{},
		reserved:    map[string]string{},
		extracting:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the request, creates the record and launches the download.
// The download runs until it finishes, is cancelled, or ctx is done.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*common.DownloadRecord, error) {
	host, err := plugin.HostOf(req.URL)
	if err != nil {
		return nil, err
	}
	action := req.Action
	if action == "" {
		action = DefaultAction
	}

	m, err := e.pickPlugin(req.PluginID, action, host)
	if err != nil {
		return nil, err
	}

	dir := req.Dir
	if dir == "" {
		dir = e.downloadDir
	}

	e.mu.Lock()
	path, err := target.ResolveExcluding(req.Filename, req.URL, dir, req.Mode, func(p string) bool {
		_, ok := e.reserved[p]
		return ok
	})
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	id := e.newID()
	e.reserved[path] = id
	done := make(chan struct{})
	e.done[id] = done
	e.mu.Unlock()

	rec, err := e.create(id, path, req.URL, m.ID)
	if err != nil {
		e.forget(id, path)
		return nil, err
	}

	dctx, err := e.coord.Begin(ctx, id)
	if err != nil {
		e.forget(id, path)
		return nil, err
	}

	slog.Info("Starting download", "id", id, "plugin", m.ID, "url", req.URL, "path", path)
	e.emit(rec)

	e.wg.Add(1)
	go e.run(dctx, rec.ID, m, path, req, done)
	return rec, nil
}

func (e *Engine) pickPlugin(id, action, host string) (*plugin.Manifest, error) {
	if id != "" {
		m, ok := e.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %w: %s", dispatch.ErrUnsupportedProvider, plugin.ErrNotFound, id)
		}
		return m, nil
	}
	m, ok := e.registry.FindForAction(action, host)
	if !ok {
		return nil, fmt.Errorf("%w: no plugin handles %s for %s", dispatch.ErrUnsupportedProvider, action, host)
	}
	return m, nil
}

func (e *Engine) create(id, path, url, provider string) (*common.DownloadRecord, error) {
	if _, err := e.store.Create(id, filepath.Base(path), url, provider); err != nil {
		return nil, err
	}
	if err := e.store.SetPath(id, path); err != nil {
		return nil, err
	}
	return e.store.Get(id)
}

func (e *Engine) forget(id, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reserved, path)
	if ch, ok := e.done[id]; ok {
		delete(e.done, id)
		close(ch)
	}
}

func (e *Engine) run(ctx context.Context, id string, m *plugin.Manifest, path string, req StartRequest, done chan struct{}) {
	defer e.wg.Done()
	defer func() {
		e.coord.Release(id)
		e.mu.Lock()
		delete(e.reserved, path)
		delete(e.done, id)
		e.mu.Unlock()
		close(done)
	}()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.settle(ctx, id, "", fmt.Errorf("%w: %v", dispatch.ErrCancelled, err))
			return
		}
		defer e.sem.Release(1)
	}

	for _, st := range []common.Status{common.StatusStarting, common.StatusDownloading} {
		if err := e.store.SetStatus(id, st); err != nil {
			// cancelled before dispatch began
			slog.Debug("Download left before dispatch", "id", id, "error", err)
			e.settle(ctx, id, "", fmt.Errorf("%w: %v", dispatch.ErrCancelled, err))
			return
		}
		e.emitID(id)
	}

	rep := progressReporter{e: e, id: id}
	got, err := e.disp.Execute(ctx, m, dispatch.Request{
		DownloadID: id,
		URL:        req.URL,
		TargetPath: path,
		Options:    req.Options,
		Progress:   rep,
	})
	e.settle(ctx, id, got, err)
}

// settle records the outcome. A record already made terminal by Cancel keeps
// its status.
func (e *Engine) settle(ctx context.Context, id, path string, err error) {
	var rec *common.DownloadRecord
	var serr error
	switch {
	case err == nil:
		rec, serr = e.store.Complete(id, path)
		if serr == nil {
			slog.Info("Download completed", "id", id, "path", path)
		}
	case errors.Is(err, dispatch.ErrCancelled) || cancel.Cancelled(ctx):
		rec, serr = e.store.MarkCancelled(id, "Download cancelled")
		slog.Info("Download cancelled", "id", id)
	default:
		rec, serr = e.store.Fail(id, err.Error())
		slog.Warn("Download failed", "id", id, "error", err)
	}

	if errors.Is(serr, state.ErrTerminal) {
		slog.Debug("Download already settled", "id", id, "outcome", err)
	} else if serr != nil {
		slog.Error("Failed to record download outcome", "id", id, "error", serr)
	}
	if rec == nil {
		e.emitID(id)
		return
	}
	e.emit(rec)
}

type progressReporter struct {
	e  *Engine
	id string
}

func (r progressReporter) Progress(percent float64, _ string) {
	if percent < 0 {
		return
	}
	applied, err := r.e.store.SetProgress(r.id, percent)
	if err != nil {
		slog.Debug("Dropped progress update", "id", r.id, "error", err)
		return
	}
	if applied {
		r.e.emitID(r.id)
	}
}

func (e *Engine) emitID(id string) {
	rec, err := e.store.Get(id)
	if err != nil {
		return
	}
	e.emit(rec)
}

func (e *Engine) emit(rec *common.DownloadRecord) {
	e.sink.DownloadProgress(events.DownloadEvent{
		DownloadID: rec.ID,
		Status:     rec.Status,
		Progress:   rec.Progress,
		Error:      rec.Error,
	})
}

// Wait blocks until the download is terminal or ctx is done and returns its record.
func (e *Engine) Wait(ctx context.Context, id string) (*common.DownloadRecord, error) {
	e.mu.Lock()
	done, ok := e.done[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.Get(id)
}

// Cancel stops a running download. The record becomes cancelled at once.
func (e *Engine) Cancel(id string) error {
	return e.coord.Cancel(id)
}

// Active lists ids of downloads that are still running.
func (e *Engine) Active() []string {
	return e.coord.Active()
}

// Records returns every known download.
func (e *Engine) Records() []*common.DownloadRecord {
	return e.store.Snapshot()
}

// Record returns one download.
func (e *Engine) Record(id string) (*common.DownloadRecord, error) {
	return e.store.Get(id)
}

// RegisterManual records a file the user obtained elsewhere as a completed
// download. An empty id gets a generated one.
func (e *Engine) RegisterManual(id, filename, path string) (*common.DownloadRecord, error) {
	if id == "" {
		id = e.newID()
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	rec, err := e.store.PutManual(id, filename, path)
	if err != nil {
		return nil, err
	}
	e.emit(rec)
	return rec, nil
}

// Forget removes a finished download from the store. Files are left alone.
// Pending records this engine never started are left over from an earlier
// process and can be forgotten too.
func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	_, running := e.done[id]
	busy := e.extracting[id]
	e.mu.Unlock()
	if running || busy {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return e.store.RemoveAbandoned(id)
}

// Shutdown cancels every running download and waits for their goroutines.
func (e *Engine) Shutdown(ctx context.Context) error {
	if n := e.coord.CancelAll(); n > 0 {
		slog.Info("Cancelling running downloads", "count", n)
	}
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("downloads still running at shutdown: %w", ctx.Err())
	}
}
