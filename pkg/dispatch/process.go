package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fetchkit/pkg/downloader"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Plugins may print "PROGRESS 42.5" (or "progress: 42%") lines on stderr.
var progressLine = regexp.MustCompile(`(?i)^\s*progress[:\s]+([0-9]+(?:\.[0-9]+)?)\s*%?\s*$`)

// processResult is what a finished plugin process left behind.
type processResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// runProcess starts cmd and waits for it or for ctx, whichever comes first.
// On cancellation it returns immediately; the process is killed only when
// killOnCancel is set, and is always reaped in the background.
func (d *Dispatcher) runProcess(ctx context.Context, cmd *exec.Cmd, stdin []byte, rep downloader.Reporter) (*processResult, error) {
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach stderr: %v", ErrDownloadFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start plugin: %v", ErrDownloadFailed, err)
	}
	pid := cmd.Process.Pid
	slog.Debug("Started plugin process", "pid", pid, "path", cmd.Path)

	var (
		stderrMu sync.Mutex
		stderr   strings.Builder
	)
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanStderr(stderrPipe, rep, func(line string) {
			stderrMu.Lock()
			defer stderrMu.Unlock()
			stderr.WriteString(line)
			stderr.WriteByte('\n')
		})
	}()

	done := make(chan error, 1)
	go func() {
		// all reads from the pipe must finish before Wait closes it
		<-scanned
		done <- cmd.Wait()
	}()

	select {
	case waitErr := <-done:
		res := &processResult{
			stdout: stdout.String(),
			stderr: stderr.String(),
		}
		var exitErr *exec.ExitError
		switch {
		case waitErr == nil:
		case errors.As(waitErr, &exitErr):
			res.exitCode = exitErr.ExitCode()
		default:
			res.err = waitErr
			res.exitCode = -1
		}
		return res, nil

	case <-ctx.Done():
		if d.killOnCancel {
			if err := cmd.Process.Kill(); err != nil {
				slog.Warn("Failed to kill cancelled plugin", "pid", pid, "error", err)
			} else {
				slog.Info("Killed cancelled plugin", "pid", pid)
			}
		}
		go func() {
			err := <-done
			slog.Info("Cancelled plugin process exited", "pid", pid, "error", err)
		}()
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// scanStderr splits on CR or LF so that carriage-return progress bars are
// seen line by line. Recognized progress lines go to rep.
func scanStderr(r io.Reader, rep downloader.Reporter, keep func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanCRorLF)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressLine.FindStringSubmatch(line); m != nil {
			if p, err := strconv.ParseFloat(m[1], 64); err == nil && rep != nil {
				rep.Progress(p, "")
			}
			continue
		}
		if strings.TrimSpace(line) != "" {
			keep(line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("Stopped reading plugin stderr", "error", err)
		// drain so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[:i]
			if i > 0 && data[i-1] == '\r' {
				line = data[:i-1]
			}
			return i + 1, line, nil
		}
		if data[i] == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			if i+1 == len(data) && !atEOF {
				// a lone CR at the buffer end may be the start of CRLF
				return 0, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func tailString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
