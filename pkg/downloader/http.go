package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// DefaultUserAgent is sent by every request; some hosts refuse Go's default.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Immutable
type httpHandler struct {
	client    *http.Client
	interval  time.Duration
	userAgent string
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*httpHandler)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *httpHandler) { h.client = c }
}

// WithInterval sets how often progress is reported while copying.
func WithInterval(d time.Duration) HTTPOption {
	return func(h *httpHandler) {
		if d > 0 {
			h.interval = d
		}
	}
}

func NewHTTPHandler(opts ...HTTPOption) SchemeHandler {
	h := &httpHandler{
		client: &http.Client{
			Timeout: 0, // Handled by context
		},
		interval:  500 * time.Millisecond,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *httpHandler) Schemes() []string {
	return []string{"http", "https"}
}

func (h *httpHandler) Download(ctx context.Context, uri string, w io.Writer, rep Reporter) error {
	if rep == nil {
		rep = nopReporter{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	pw := &progressWriter{
		total: resp.ContentLength,
		start: time.Now(),
	}

	// The copy and the reporter race; the reporter only wakes on its
	// interval, so a fast stream never floods the sink.
	g, gctx := errgroup.WithContext(ctx)
	copied := make(chan struct{})
	g.Go(func() error {
		defer close(copied)
		_, err := io.Copy(io.MultiWriter(w, pw), &ctxReader{ctx: gctx, r: resp.Body})
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-copied:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				pw.report(rep)
			}
		}
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if pw.total <= 0 {
		pw.total = pw.written.Load()
	}
	pw.report(rep)
	return nil
}

// ctxReader fails the next Read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Mutable
type progressWriter struct {
	total   int64
	written atomic.Int64
	start   time.Time
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.written.Add(int64(len(p)))
	return len(p), nil
}

func (pw *progressWriter) report(rep Reporter) {
	written := pw.written.Load()
	if pw.total > 0 {
		percent := float64(written) / float64(pw.total) * 100
		elapsed := time.Since(pw.start).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(written) / elapsed
		}
		msg := fmt.Sprintf("%s / %s (%s/s)",
			humanize.Bytes(uint64(written)),
			humanize.Bytes(uint64(pw.total)),
			humanize.Bytes(uint64(speed)))
		rep.Progress(percent, msg)
	} else {
		rep.Progress(-1, fmt.Sprintf("%s downloaded", humanize.Bytes(uint64(written))))
	}
}
