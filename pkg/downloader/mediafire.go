package downloader

import (
	"bytes"
	"context"
	"errors"
	"fetchkit/pkg/common"
	"fetchkit/pkg/logging"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrLinkNotFound is returned when the landing page never exposes a download link.
var ErrLinkNotFound = errors.New("download link not found")

var mediafireSelectors = []string{
	"a#downloadButton",
	"a.input.popsok",
	"a[aria-label='Download file']",
}

// Immutable
type mediafireProvider struct {
	d          Downloader
	attempts   int
	retryDelay time.Duration
}

// NewMediaFireProvider scrapes the direct link from a MediaFire landing page
// and then streams it.
func NewMediaFireProvider(d Downloader) Provider {
	return &mediafireProvider{d: d, attempts: 3, retryDelay: 2 * time.Second}
}

func (p *mediafireProvider) Name() string { return "mediafire" }

func (p *mediafireProvider) Fetch(ctx context.Context, req Request) error {
	link, err := p.resolve(ctx, req.URL)
	if err != nil {
		return err
	}
	slog.Info("Resolved MediaFire link", "page", logging.RedactURL(req.URL), "link", logging.RedactURL(link))
	return ToFile(ctx, p.d, link, req.TargetPath, req.Progress)
}

// resolve fetches the landing page, retrying while the link is missing.
func (p *mediafireProvider) resolve(ctx context.Context, pageURL string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		link, err := p.scrape(ctx, pageURL)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
		}
		lastErr = err
		slog.Debug("MediaFire link lookup failed", "attempt", attempt, "error", err)

		if attempt < p.attempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
			case <-time.After(p.retryDelay):
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrLinkNotFound, p.attempts, lastErr)
}

func (p *mediafireProvider) scrape(ctx context.Context, pageURL string) (string, error) {
	var buf bytes.Buffer
	if err := p.d.Download(ctx, pageURL, &buf, nil); err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	for _, sel := range mediafireSelectors {
		href, ok := doc.Find(sel).First().Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "javascript:") {
			continue
		}
		return absolute(pageURL, href)
	}
	return "", ErrLinkNotFound
}

func absolute(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid download link %q: %w", href, err)
	}
	return b.ResolveReference(ref).String(), nil
}
