// Package archive unpacks downloaded archives, reporting progress as it goes.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrIO covers filesystem failures while reading the archive or writing entries.
	ErrIO = errors.New("archive io error")
	// ErrUnsupportedFormat is returned before anything but the output directory is touched.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	// ErrInvalidArchive is returned for corrupt archives, unsafe entry paths,
	// and a failing external extractor.
	ErrInvalidArchive = errors.New("invalid archive")
)

// Format is a supported archive family.
type Format string

const (
	FormatZip   Format = "zip"
	Format7z    Format = "7z"
	FormatRar   Format = "rar"
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
	FormatTarZ  Format = "tar.zst"
)

// ProgressFunc receives percentages in [0, 100].
type ProgressFunc func(percent float64)

var suffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".tar.zst", FormatTarZ},
	{".tar", FormatTar},
	{".zip", FormatZip},
	{".7z", Format7z},
	{".rar", FormatRar},
}

// Detect maps a file name to its format by lower-cased extension.
func Detect(name string) (Format, bool) {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format, true
		}
	}
	return "", false
}

// SupportedExtensions returns a list of all file extensions that can be extracted.
func SupportedExtensions() []string {
	out := make([]string, len(suffixes))
	for i, s := range suffixes {
		out[i] = s.suffix
	}
	return out
}

// IsSupported returns true if the filename has a supported archive extension.
func IsSupported(filename string) bool {
	_, ok := Detect(filename)
	return ok
}

// Extractor unpacks archives.
// Immutable
type Extractor struct {
	// UnrarPath is the external rar extractor, "unrar" when empty.
	UnrarPath string
}

// Extract unpacks src into dest, creating dest first.
func (e Extractor) Extract(ctx context.Context, src, dest string, progress ProgressFunc) error {
	if progress == nil {
		progress = func(float64) {}
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("%w: failed to create output directory: %v", ErrIO, err)
	}

	format, ok := Detect(src)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(src))
	}
	slog.Debug("Extracting archive", "src", src, "dest", dest, "format", format)

	switch format {
	case FormatZip:
		return extractZip(ctx, src, dest, progress)
	case Format7z:
		return extract7z(ctx, src, dest, progress)
	case FormatRar:
		return e.extractRar(ctx, src, dest, progress)
	default:
		return extractTarFile(ctx, src, dest, format, progress)
	}
}

// Extract unpacks src into dest with the default Extractor.
func Extract(ctx context.Context, src, dest string, progress ProgressFunc) error {
	return Extractor{}.Extract(ctx, src, dest, progress)
}

func extractZip(ctx context.Context, src, dest string, progress ProgressFunc) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return openError("zip", err)
	}
	defer r.Close()

	total := len(r.File)
	progress(0)
	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := extractFile(f.Name, f.FileInfo(), dest, func() (io.ReadCloser, error) {
			return f.Open()
		})
		if err != nil {
			return err
		}
		progress(float64(i+1) / float64(total) * 100)
	}
	if total == 0 {
		progress(100)
	}
	return nil
}

func extract7z(ctx context.Context, src, dest string, progress ProgressFunc) error {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return openError("7z", err)
	}
	defer r.Close()

	progress(0)
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := extractFile(f.Name, f.FileInfo(), dest, func() (io.ReadCloser, error) {
			return f.Open()
		})
		if err != nil {
			return err
		}
	}
	progress(100)
	return nil
}

func (e Extractor) extractRar(ctx context.Context, src, dest string, progress ProgressFunc) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	bin := e.UnrarPath
	if bin == "" {
		bin = "unrar"
	}

	progress(0)
	// "x" keeps full paths; the trailing separator makes unrar treat dest as a directory
	cmd := exec.CommandContext(ctx, bin, "x", "-o+", "-y", src, filepath.Clean(dest)+string(os.PathSeparator))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s exited with status %d: %s", ErrInvalidArchive, bin, exitErr.ExitCode(), lastLine(out.String()))
		}
		return fmt.Errorf("%w: failed to run %s: %v", ErrIO, bin, err)
	}
	progress(100)
	return nil
}

func extractTarFile(ctx context.Context, src, dest string, format Format, progress ProgressFunc) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: failed to open archive: %v", ErrIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	// progress follows the compressed bytes consumed
	counter := &countingReader{r: f}
	var r io.Reader = counter

	switch format {
	case FormatTarGz:
		gzr, err := gzip.NewReader(counter)
		if err != nil {
			return fmt.Errorf("%w: failed to create gzip reader: %v", ErrInvalidArchive, err)
		}
		defer gzr.Close()
		r = gzr
	case FormatTarZ:
		zr, err := zstd.NewReader(counter)
		if err != nil {
			return fmt.Errorf("%w: failed to create zstd reader: %v", ErrInvalidArchive, err)
		}
		defer zr.Close()
		r = zr
	}

	size := info.Size()
	progress(0)
	err = extractTar(ctx, r, dest, func() {
		if size > 0 {
			progress(min(float64(counter.n.Load())/float64(size)*100, 100))
		}
	})
	if err != nil {
		return err
	}
	progress(100)
	return nil
}

func extractTar(ctx context.Context, r io.Reader, dest string, onEntry func()) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read tar header: %v", ErrInvalidArchive, err)
		}
		switch header.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			slog.Debug("Skipping tar entry", "name", header.Name, "type", header.Typeflag)
			continue
		}

		err = extractFile(header.Name, header.FileInfo(), dest, func() (io.ReadCloser, error) {
			return io.NopCloser(tr), nil
		})
		if err != nil {
			return err
		}
		onEntry()
	}
	return nil
}

// extractFile writes one entry below dest. opener returns the entry content.
func extractFile(name string, info fs.FileInfo, dest string, opener func() (io.ReadCloser, error)) error {
	// "./" written by tar -C dir .
	if info.IsDir() && filepath.Clean(name) == "." {
		return nil
	}

	// Zip Slip protection
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: illegal file path in archive: %s", ErrInvalidArchive, name)
	}

	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("%w: failed to create directory %s: %v", ErrIO, target, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: failed to create parent directory for %s: %v", ErrIO, target, err)
	}

	mode := info.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: failed to create file %s: %v", ErrIO, target, err)
	}
	defer f.Close()

	rc, err := opener()
	if err != nil {
		return fmt.Errorf("%w: failed to open archive entry %s: %v", ErrInvalidArchive, name, err)
	}
	// for tar rc is a NopCloser over the shared stream
	defer rc.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("%w: failed to write file %s: %v", ErrInvalidArchive, target, err)
	}
	return nil
}

func openError(kind string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: failed to open %s archive: %v", ErrIO, kind, err)
	}
	return fmt.Errorf("%w: failed to open %s archive: %v", ErrInvalidArchive, kind, err)
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
