package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLocked is returned by TryLock while another live process holds the lock.
var ErrLocked = errors.New("locked by another process")

// Unlock releases a lock taken with Lock or TryLock.
type Unlock func() error

// Lock takes the lock for target (a file or folder) by creating target.lock
// holding our PID. While a live process holds it, Lock polls until the lock
// is released or ctx is done. A lock left behind by a dead process is removed.
func Lock(ctx context.Context, target string) (Unlock, error) {
	lockFile := target + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir for lock: %w", err)
	}

	for {
		unlock, _, err := acquire(lockFile)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", lockFile, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// TryLock is Lock without waiting. It fails with ErrLocked when a live
// process holds the lock.
func TryLock(target string) (Unlock, error) {
	lockFile := target + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir for lock: %w", err)
	}
	unlock, pid, err := acquire(lockFile)
	if errors.Is(err, ErrLocked) {
		return nil, fmt.Errorf("%s: %w (pid %d)", target, ErrLocked, pid)
	}
	return unlock, err
}

// acquire makes a bounded number of attempts, clearing stale locks between them.
// It returns ErrLocked with the holder's PID when a live process owns the lock.
func acquire(lockFile string) (Unlock, int, error) {
	for range 5 {
		f, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			content := fmt.Sprintf("%s %d", time.Now().Format(time.RFC3339), os.Getpid())
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				os.Remove(lockFile)
				return nil, 0, fmt.Errorf("failed to write to lock file: %w", err)
			}
			f.Close()
			return func() error { return os.Remove(lockFile) }, 0, nil
		}
		if !os.IsExist(err) {
			return nil, 0, fmt.Errorf("failed to acquire lock: %w", err)
		}

		content, err := os.ReadFile(lockFile)
		if err != nil {
			if os.IsNotExist(err) {
				// released between our attempts
				continue
			}
			return nil, 0, fmt.Errorf("failed to read lock file: %w", err)
		}

		pid, ok := holder(string(content))
		if ok && isPidAlive(pid) {
			return nil, pid, ErrLocked
		}
		// corrupt or stale: someone else may remove it first, which is fine
		os.Remove(lockFile)
	}
	return nil, 0, fmt.Errorf("failed to acquire lock %s: contended", lockFile)
}

// holder parses "<timestamp> <pid>".
func holder(content string) (int, bool) {
	parts := strings.Fields(content)
	if len(parts) < 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, false
	}
	return pid, true
}

func isPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// signal 0 only checks existence
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM: it exists but belongs to someone else
	return true
}
