package downloader

import (
	"context"
	"fetchkit/pkg/logging"
	"log/slog"
)

// Immutable
type httpProvider struct {
	d Downloader
}

// NewHTTPProvider streams a direct link to the target file.
func NewHTTPProvider(d Downloader) Provider {
	return &httpProvider{d: d}
}

func (p *httpProvider) Name() string { return "http" }

func (p *httpProvider) Fetch(ctx context.Context, req Request) error {
	slog.Info("Downloading file", "url", logging.RedactURL(req.URL), "path", req.TargetPath)
	return ToFile(ctx, p.d, req.URL, req.TargetPath, req.Progress)
}
