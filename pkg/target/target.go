// Package target decides where a download is written on disk.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FallbackName is used when neither the caller nor the URL yields a name.
const FallbackName = "download"

var (
	// ErrExists is returned in Exact mode when the target is already taken.
	ErrExists = errors.New("target already exists")
	// ErrIsDirectory is returned when the requested name is an existing directory.
	ErrIsDirectory = errors.New("target is a directory")
	// ErrParentMissing is returned when the download directory does not exist.
	ErrParentMissing = errors.New("download directory does not exist")
)

// Mode controls what happens when the target name is already used.
type Mode int

const (
	// AutoRename picks "name (n).ext" for the lowest free n.
	AutoRename Mode = iota
	// Exact fails when anything exists at the target.
	Exact
)

func (m Mode) String() string {
	if m == Exact {
		return "exact"
	}
	return "auto-rename"
}

// compound extensions that must stay together when a counter is inserted
var compoundExts = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".tar.zst"}

// DeriveFilename picks the file name for a download. A requested name wins
// unless it is empty or the placeholder "file"; otherwise the last meaningful
// path segment of the URL is used. Hosting sites often end share links in
// ".../<name>/file", so a trailing "file" segment is skipped.
func DeriveFilename(requested, rawURL string) string {
	if name := sanitize(requested); name != "" && !strings.EqualFold(name, "file") {
		return name
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return FallbackName
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg, err := url.PathUnescape(segments[i])
		if err != nil {
			seg = segments[i]
		}
		name := sanitize(seg)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "file") && i == len(segments)-1 {
			continue
		}
		return name
	}
	return FallbackName
}

// sanitize reduces s to a single safe path component.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\\", "/")
	s = path.Base(s)
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	switch s {
	case "", ".", "..", "/":
		return ""
	}
	return s
}

// Resolve returns the absolute path the download should be written to.
// The parent directory must already exist. An existing directory at the
// requested name is always an error.
func Resolve(requested, rawURL, dir string, mode Mode) (string, error) {
	return ResolveExcluding(requested, rawURL, dir, mode, nil)
}

// ResolveExcluding is Resolve where taken reports paths that are already
// promised to another download. They count as existing files.
func ResolveExcluding(requested, rawURL, dir string, mode Mode, taken func(string) bool) (string, error) {
	if taken == nil {
		taken = func(string) bool { return false }
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrParentMissing, dir)
		}
		return "", fmt.Errorf("failed to stat download directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrParentMissing, dir)
	}

	name := DeriveFilename(requested, rawURL)
	target := filepath.Join(dir, name)

	info, err = os.Stat(target)
	switch {
	case os.IsNotExist(err):
		if !taken(target) {
			return target, nil
		}
	case err != nil:
		return "", fmt.Errorf("failed to stat target: %w", err)
	case info.IsDir():
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, target)
	}
	if mode == Exact {
		return "", fmt.Errorf("%w: %s", ErrExists, target)
	}

	stem, ext := SplitExt(name)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			if !taken(candidate) {
				return candidate, nil
			}
		} else if err != nil {
			return "", fmt.Errorf("failed to stat target: %w", err)
		}
	}
}

// SplitExt splits name into stem and extension, keeping compound archive
// extensions such as ".tar.gz" whole. Dotfiles have no extension.
func SplitExt(name string) (string, string) {
	lower := strings.ToLower(name)
	for _, ce := range compoundExts {
		if strings.HasSuffix(lower, ce) && len(name) > len(ce) {
			return name[:len(name)-len(ce)], name[len(name)-len(ce):]
		}
	}
	ext := filepath.Ext(name)
	if ext == name {
		return name, ""
	}
	return name[:len(name)-len(ext)], ext
}
