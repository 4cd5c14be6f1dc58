package engine

import (
	"context"
	"errors"
	"fetchkit/pkg/common"
	"fetchkit/pkg/events"
	"fetchkit/pkg/state"
	"fetchkit/pkg/target"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
)

// ErrNotExtractable is returned for downloads that have not completed.
var ErrNotExtractable = errors.New("download is not extractable")

// Extract unpacks a completed download into dest and returns dest. An empty
// dest extracts next to the archive into a folder named after it. The
// extraction sub-state is always left terminal: on failure it is persisted as
// failed before the error is returned.
func (e *Engine) Extract(ctx context.Context, id, dest string) (string, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return "", err
	}
	if rec.Status != common.StatusCompleted || rec.Path == "" {
		return "", fmt.Errorf("%w: %s is %s", ErrNotExtractable, id, rec.Status)
	}
	if dest == "" {
		stem, _ := target.SplitExt(filepath.Base(rec.Path))
		dest = filepath.Join(filepath.Dir(rec.Path), stem)
	}

	e.mu.Lock()
	if e.extracting[id] {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s is already being extracted", ErrBusy, id)
	}
	e.extracting[id] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.extracting, id)
		e.mu.Unlock()
	}()

	if err := e.setExtraction(id, state.Extraction{Status: common.ExtractionExtracting}, ""); err != nil {
		return "", err
	}
	slog.Info("Extracting download", "id", id, "src", rec.Path, "dest", dest)

	lastWhole := 0.0
	progress := func(p float64) {
		p = common.ClampPercent(p)
		// persist only when the whole percentage moves
		if whole := math.Floor(p); whole > lastWhole {
			lastWhole = whole
			if err := e.setExtraction(id, state.Extraction{Status: common.ExtractionExtracting, Progress: p}, ""); err != nil {
				slog.Debug("Dropped extraction progress", "id", id, "error", err)
			}
		}
	}

	if err := e.unpacker.Extract(ctx, rec.Path, dest, progress); err != nil {
		if serr := e.setExtraction(id, state.Extraction{Status: common.ExtractionFailed}, err.Error()); serr != nil {
			slog.Error("Failed to record extraction failure", "id", id, "error", serr)
		}
		slog.Warn("Extraction failed", "id", id, "error", err)
		return "", err
	}

	if err := e.setExtraction(id, state.Extraction{Status: common.ExtractionCompleted, Path: dest}, ""); err != nil {
		return "", err
	}
	slog.Info("Extraction complete", "id", id, "dest", dest)
	return dest, nil
}

func (e *Engine) setExtraction(id string, x state.Extraction, errText string) error {
	if err := e.store.SetExtraction(id, x); err != nil {
		return err
	}
	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	e.sink.ExtractionProgress(events.ExtractionEvent{
		DownloadID: id,
		Status:     rec.ExtractionStatus,
		Progress:   rec.ExtractionProgress,
		Error:      errText,
	})
	return nil
}
