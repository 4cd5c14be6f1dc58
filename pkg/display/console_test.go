package display

import (
	"bytes"
	"fetchkit/pkg/common"
	"fetchkit/pkg/events"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
)

func TestConsoleProgressSteps(t *testing.T) {
	buf := &bytes.Buffer{}
	d := NewWriterDisplay(buf)

	for _, p := range []float64{0, 3, 9, 10, 11, 25, 25, 100} {
		d.DownloadProgress(events.DownloadEvent{DownloadID: "0123456789abcdef", Status: common.StatusDownloading, Progress: p})
	}
	d.DownloadProgress(events.DownloadEvent{DownloadID: "0123456789abcdef", Status: common.StatusCompleted, Progress: 100})

	lines := strings.Split(strings.TrimSpace(ansi.Strip(buf.String())), "\n")
	// 0, 10, 25, 100 while downloading, then the status change
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %d: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "01234567 downloading") {
		t.Errorf("Expected short id and status, got %q", lines[0])
	}
	if !strings.Contains(lines[3], "[####################] 100%") {
		t.Errorf("Expected full bar, got %q", lines[3])
	}
	if !strings.Contains(lines[4], "completed") {
		t.Errorf("Expected completed line, got %q", lines[4])
	}
}

func TestConsoleErrorsAndExtraction(t *testing.T) {
	buf := &bytes.Buffer{}
	d := NewWriterDisplay(buf)

	d.DownloadProgress(events.DownloadEvent{DownloadID: "a", Status: common.StatusFailed, Error: "boom"})
	d.ExtractionProgress(events.ExtractionEvent{DownloadID: "a", Status: common.ExtractionExtracting, Progress: 50})
	d.ExtractionProgress(events.ExtractionEvent{DownloadID: "a", Status: common.ExtractionFailed, Progress: 50, Error: "bad crc"})

	out := ansi.Strip(buf.String())
	for _, want := range []string{"failed", "boom", "extract extracting", "extract failed", "bad crc"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got: %q", want, out)
		}
	}
}

func TestRenderRecordsAlignsStyledCells(t *testing.T) {
	buf := &bytes.Buffer{}
	d := NewWriterDisplay(buf)

	at := time.Now().Add(-2 * time.Hour)
	d.RenderRecords([]*common.DownloadRecord{
		{ID: "aaaaaaaa-1", Status: common.StatusCompleted, Progress: 100, Filename: "game.zip", DownloadedAt: &at},
		{ID: "bbbbbbbb-2", Status: common.StatusFailed, Progress: 12, Filename: "x.bin"},
	})

	lines := strings.Split(strings.TrimRight(ansi.Strip(buf.String()), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and 2 rows, got %q", lines)
	}
	col := strings.Index(lines[0], "PROGRESS")
	for _, l := range lines[1:] {
		if !strings.Contains(l[col:], "%") {
			t.Errorf("Progress column misaligned in %q", l)
		}
	}
	if !strings.Contains(lines[1], "2 hours ago") {
		t.Errorf("Expected humanized time, got %q", lines[1])
	}
}

func TestBar(t *testing.T) {
	if got := Bar(50); got != "[##########..........]  50%" {
		t.Errorf("Unexpected bar %q", got)
	}
	if got := Bar(-5); got != "[....................]   0%" {
		t.Errorf("Unexpected bar %q", got)
	}
}
