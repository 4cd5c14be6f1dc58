// Package downloader provides a modular system for retrieving remote resources.
// It supports multiple schemes (HTTP, HTTPS) through scheme handlers and exposes
// named providers that native plugins select by their entry point.
package downloader

import (
	"context"
	"io"
)

// Reporter receives transfer progress. percent is in [0,100], or negative
// when the total size is unknown.
type Reporter interface {
	Progress(percent float64, message string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(percent float64, message string)

func (f ReporterFunc) Progress(percent float64, message string) { f(percent, message) }

type nopReporter struct{}

func (nopReporter) Progress(float64, string) {}

// Downloader manages the retrieval of resources from various URIs.
type Downloader interface {
	// Download retrieves the resource at the specified URI and writes it to w.
	// It stops at the next chunk once ctx is cancelled.
	Download(ctx context.Context, uri string, w io.Writer, rep Reporter) error
}

// SchemeHandler defines the interface for handling specific URI schemes (e.g., "http://").
type SchemeHandler interface {
	// Download executes the download for a URI supported by this handler.
	Download(ctx context.Context, uri string, w io.Writer, rep Reporter) error
	// Schemes returns the list of URI schemes (e.g., ["http", "https"]) this handler can process.
	Schemes() []string
}

// Request describes one native transfer into a file.
type Request struct {
	URL        string
	TargetPath string
	Progress   Reporter
}

// Provider is an in-process download implementation. Native plugins name
// a provider in their entry point.
type Provider interface {
	// Name is the identifier used in a native plugin's entry point.
	Name() string
	// Fetch writes the resource to req.TargetPath. On cancellation the
	// partial file is removed and common.ErrCancelled is returned.
	Fetch(ctx context.Context, req Request) error
}
