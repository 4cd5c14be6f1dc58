package display

import (
	"fetchkit/pkg/common"
	"fetchkit/pkg/events"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
)

const barWidth = 20

// consoleDisplay writes one line per notable event. Progress is printed when
// it crosses a step boundary so that logs stay readable.
type consoleDisplay struct {
	mu    sync.Mutex
	out   io.Writer
	theme *Theme
	step  float64
	last map[string]float64
	seen map[string]string
}

// NewConsole creates a Display that writes to standard error.
func NewConsole() Display {
	return NewWriterDisplay(os.Stderr)
}

// NewWriterDisplay creates a Display that writes to the provided io.Writer.
func NewWriterDisplay(w io.Writer) Display {
	return &consoleDisplay{
		out:   w,
		theme: DefaultTheme(),
		step:  10,
		last:  map[string]float64{},
		seen:  map[string]string{},
	}
}

// Print writes a message directly to the output writer.
func (d *consoleDisplay) Print(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprint(d.out, msg)
}

func (d *consoleDisplay) DownloadProgress(ev events.DownloadEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := "d:" + ev.DownloadID
	status := string(ev.Status)
	if !d.changed(key, status, ev.Progress) {
		return
	}

	line := fmt.Sprintf("%s %s %s", d.theme.Dim.Render(ShortID(ev.DownloadID)), d.theme.Status(ev.Status), Bar(ev.Progress))
	if ev.Error != "" {
		line += " " + d.theme.Red.Render(ev.Error)
	}
	fmt.Fprintln(d.out, line)
}

func (d *consoleDisplay) ExtractionProgress(ev events.ExtractionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := "x:" + ev.DownloadID
	if !d.changed(key, string(ev.Status), ev.Progress) {
		return
	}

	line := fmt.Sprintf("%s %s %s", d.theme.Dim.Render(ShortID(ev.DownloadID)), d.theme.Cyan.Render("extract "+ev.Status.String()), Bar(ev.Progress))
	if ev.Error != "" {
		line += " " + d.theme.Red.Render(ev.Error)
	}
	fmt.Fprintln(d.out, line)
}

// changed reports whether the status moved or progress crossed a step.
// Must be called with mu held.
func (d *consoleDisplay) changed(key, status string, progress float64) bool {
	bucket := math.Floor(progress / d.step)
	prevStatus, ok := d.seen[key]
	if ok && prevStatus == status && d.last[key] >= bucket {
		return false
	}
	d.seen[key] = status
	d.last[key] = bucket
	return true
}

func (d *consoleDisplay) RenderRecords(recs []*common.DownloadRecord) {
	t := &Table{Header: []string{"ID", "STATUS", "PROGRESS", "FILE", "FINISHED", "EXTRACTED"}}
	for _, r := range recs {
		finished := "-"
		if r.DownloadedAt != nil {
			finished = humanize.Time(*r.DownloadedAt)
		}
		extracted := r.ExtractionStatus.String()
		if r.Extracted {
			extracted = d.theme.Green.Render(r.ExtractedPath)
		}
		t.Rows = append(t.Rows, []string{
			ShortID(r.ID),
			d.theme.Status(r.Status),
			fmt.Sprintf("%3.0f%%", r.Progress),
			r.Filename,
			finished,
			extracted,
		})
	}
	d.RenderTable(t)
}

func (d *consoleDisplay) RenderTable(t *Table) {
	if len(t.Header) == 0 {
		return
	}

	// widths ignore ANSI styling
	widths := make([]int, len(t.Header))
	for i, h := range t.Header {
		widths[i] = ansi.StringWidth(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], ansi.StringWidth(cell))
			}
		}
	}

	var sb strings.Builder
	for i, h := range t.Header {
		sb.WriteString(pad(d.theme.Bold.Render(h), widths[i]))
	}
	d.Print(strings.TrimRight(sb.String(), " ") + "\n")

	for _, row := range t.Rows {
		sb.Reset()
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(pad(cell, widths[i]))
			}
		}
		d.Print(strings.TrimRight(sb.String(), " ") + "\n")
	}
}

func pad(cell string, width int) string {
	return cell + strings.Repeat(" ", width-ansi.StringWidth(cell)+2)
}

// ShortID is the first eight characters of a download id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Bar renders a fixed-width text progress bar.
func Bar(percent float64) string {
	percent = common.ClampPercent(percent)
	filled := int(math.Round(percent / 100 * barWidth))
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("#", filled), strings.Repeat(".", barWidth-filled), percent)
}
