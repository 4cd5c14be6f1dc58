// Package common provides shared types used across fetchkit.
// It includes the download record persisted by the state store and the
// status enums that drive the download and extraction lifecycles.
package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	// StatusUnknown is what an unrecognized persisted value decodes to.
	StatusUnknown Status = "unknown"
)

// ParseStatus converts a string into a Status. Unrecognized values map to
// StatusUnknown together with an error.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(s)) {
	case StatusPending:
		return StatusPending, nil
	case StatusStarting:
		return StatusStarting, nil
	case StatusDownloading:
		return StatusDownloading, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusCancelled:
		return StatusCancelled, nil
	case StatusUnknown:
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown download status: %s", s)
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InFlight reports whether a process was actively working on the download.
func (s Status) InFlight() bool {
	return s == StatusStarting || s == StatusDownloading
}

func (s Status) String() string {
	return string(s)
}

// UnmarshalJSON accepts any string; values this build does not know become StatusUnknown.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s, _ = ParseStatus(raw)
	return nil
}

// ExtractionStatus is the lifecycle state of the extraction sub-machine.
type ExtractionStatus string

const (
	ExtractionIdle       ExtractionStatus = "idle"
	ExtractionExtracting ExtractionStatus = "extracting"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// Terminal reports whether the extraction has finished, successfully or not.
func (s ExtractionStatus) Terminal() bool {
	return s == ExtractionCompleted || s == ExtractionFailed
}

func (s ExtractionStatus) String() string {
	if s == "" {
		return string(ExtractionIdle)
	}
	return string(s)
}

// DownloadRecord is the persisted view of one download.
// Mutable
type DownloadRecord struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	URL      string  `json:"url"`
	Progress float64 `json:"progress"`
	Status   Status  `json:"status"`
	// Path is set once the file location is known.
	Path         string     `json:"path,omitempty"`
	Error        string     `json:"error,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`

	Extracted          bool             `json:"extracted"`
	ExtractedPath      string           `json:"extracted_path,omitempty"`
	ExtractionStatus   ExtractionStatus `json:"extraction_status,omitempty"`
	ExtractionProgress float64          `json:"extraction_progress"`
}

// Clone returns a deep copy of the record.
func (r *DownloadRecord) Clone() *DownloadRecord {
	c := *r
	if r.DownloadedAt != nil {
		t := *r.DownloadedAt
		c.DownloadedAt = &t
	}
	return &c
}

// ClampPercent bounds p to [0, 100].
func ClampPercent(p float64) float64 {
	switch {
	case p != p, p < 0: // NaN
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
