package downloader

import (
	"context"
	"errors"
	"fetchkit/pkg/common"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownProvider is returned when no provider is registered under a name.
var ErrUnknownProvider = errors.New("unknown provider")

// Mutable
type manager struct {
	handlers map[string]SchemeHandler
}

// NewDefaultDownloader returns a Downloader with the HTTP(S) handler registered.
func NewDefaultDownloader(opts ...HTTPOption) Downloader {
	m := &manager{
		handlers: make(map[string]SchemeHandler),
	}
	h := NewHTTPHandler(opts...)
	m.Register(h)
	return m
}

func (m *manager) Register(h SchemeHandler) {
	for _, scheme := range h.Schemes() {
		m.handlers[scheme] = h
	}
}

func (m *manager) Download(ctx context.Context, uri string, w io.Writer, rep Reporter) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	handler, ok := m.handlers[scheme]
	if !ok {
		return fmt.Errorf("unsupported scheme: %s", scheme)
	}

	return handler.Download(ctx, uri, w, rep)
}

// Providers maps provider names to implementations.
// Mutable
type Providers struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviders returns a set holding the given providers.
func NewProviders(ps ...Provider) *Providers {
	set := &Providers{providers: make(map[string]Provider)}
	for _, p := range ps {
		set.Register(p)
	}
	return set
}

// NewDefaultProviders registers the built-in http and mediafire providers.
func NewDefaultProviders(d Downloader) *Providers {
	return NewProviders(NewHTTPProvider(d), NewMediaFireProvider(d))
}

// Register adds or replaces a provider.
func (s *Providers) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[strings.ToLower(p.Name())] = p
}

// Get looks a provider up by name, ignoring case.
func (s *Providers) Get(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (s *Providers) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ToFile downloads uri into path with d. Data goes to path+".part" and is
// renamed into place only once complete, so path never holds a truncated
// file. The partial file is removed on any failure; cancellation is
// reported as common.ErrCancelled.
func ToFile(ctx context.Context, d Downloader, uri, path string, rep Reporter) error {
	part := path + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}

	err = d.Download(ctx, uri, f, rep)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		if err = os.Rename(part, path); err == nil {
			return nil
		}
		err = fmt.Errorf("failed to move download into place: %w", err)
	}

	if rmErr := os.Remove(part); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("Failed to remove partial download", "path", part, "error", rmErr)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	}
	return err
}
