// Package events defines the progress notifications the engine emits and a
// few sinks that consume them.
package events

import (
	"fetchkit/pkg/common"
	"log/slog"
	"sync"
)

// DownloadEvent reports progress or a status change of a download.
type DownloadEvent struct {
	DownloadID string        `json:"downloadId"`
	Status     common.Status `json:"status"`
	Progress   float64       `json:"progress"`
	Error      string        `json:"error,omitempty"`
}

// ExtractionEvent reports progress of an archive extraction.
type ExtractionEvent struct {
	DownloadID string                  `json:"downloadId"`
	Status     common.ExtractionStatus `json:"status"`
	Progress   float64                 `json:"progress"`
	Error      string                  `json:"error,omitempty"`
}

// Sink receives events. Implementations must not block for long; they are
// called from download goroutines.
type Sink interface {
	DownloadProgress(ev DownloadEvent)
	ExtractionProgress(ev ExtractionEvent)
}

// Nop discards all events.
type Nop struct{}

func (Nop) DownloadProgress(DownloadEvent)     {}
func (Nop) ExtractionProgress(ExtractionEvent) {}

// Log writes every event to a slog logger at debug level.
// Immutable
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) DownloadProgress(ev DownloadEvent) {
	l.logger().Debug("Download progress", "id", ev.DownloadID, "status", ev.Status, "progress", ev.Progress, "error", ev.Error)
}

func (l Log) ExtractionProgress(ev ExtractionEvent) {
	l.logger().Debug("Extraction progress", "id", ev.DownloadID, "status", ev.Status, "progress", ev.Progress, "error", ev.Error)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) DownloadProgress(ev DownloadEvent) {
	for _, s := range m {
		s.DownloadProgress(ev)
	}
}

func (m Multi) ExtractionProgress(ev ExtractionEvent) {
	for _, s := range m {
		s.ExtractionProgress(ev)
	}
}

// Channel forwards events onto buffered channels. When a channel is full the
// event is dropped; progress is advisory and a newer event always follows.
// Mutable
type Channel struct {
	Downloads   chan DownloadEvent
	Extractions chan ExtractionEvent

	mu      sync.Mutex
	dropped int
}

// NewChannel creates a Channel sink with the given buffer size per stream.
func NewChannel(buffer int) *Channel {
	return &Channel{
		Downloads:   make(chan DownloadEvent, buffer),
		Extractions: make(chan ExtractionEvent, buffer),
	}
}

func (c *Channel) DownloadProgress(ev DownloadEvent) {
	select {
	case c.Downloads <- ev:
	default:
		c.drop()
	}
}

func (c *Channel) ExtractionProgress(ev ExtractionEvent) {
	select {
	case c.Extractions <- ev:
	default:
		c.drop()
	}
}

func (c *Channel) drop() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// Dropped returns how many events were discarded because a buffer was full.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Recorder keeps every event in memory. It is mostly useful in tests.
// Mutable
type Recorder struct {
	mu          sync.Mutex
	downloads   []DownloadEvent
	extractions []ExtractionEvent
}

func (r *Recorder) DownloadProgress(ev DownloadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads = append(r.downloads, ev)
}

func (r *Recorder) ExtractionProgress(ev ExtractionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractions = append(r.extractions, ev)
}

// Downloads returns a copy of the recorded download events.
func (r *Recorder) Downloads() []DownloadEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DownloadEvent(nil), r.downloads...)
}

// Extractions returns a copy of the recorded extraction events.
func (r *Recorder) Extractions() []ExtractionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExtractionEvent(nil), r.extractions...)
}
