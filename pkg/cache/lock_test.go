package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func deadPid() int {
	for i := 32000; i < 60000; i++ {
		proc, _ := os.FindProcess(i)
		if err := proc.Signal(syscall.Signal(0)); err == syscall.ESRCH {
			return i
		}
	}
	return 9999999
}

func TestLockSimple(t *testing.T) {
	target := filepath.Join(t.TempDir(), "myfile")

	unlock, err := Lock(context.Background(), target)
	if err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	if _, err := os.Stat(target + ".lock"); os.IsNotExist(err) {
		t.Errorf("Lock file not created")
	}

	if err := unlock(); err != nil {
		t.Errorf("Failed to unlock: %v", err)
	}
	if _, err := os.Stat(target + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file should be gone")
	}
}

func TestLockStale(t *testing.T) {
	target := filepath.Join(t.TempDir(), "stale")
	content := fmt.Sprintf("%s %d", time.Now().Format(time.RFC3339), deadPid())
	if err := os.WriteFile(target+".lock", []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := Lock(ctx, target)
	if err != nil {
		t.Fatalf("Failed to acquire lock over stale one: %v", err)
	}
	unlock()
}

func TestLockCorrupt(t *testing.T) {
	target := filepath.Join(t.TempDir(), "corrupt")
	if err := os.WriteFile(target+".lock", []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	unlock, err := TryLock(target)
	if err != nil {
		t.Fatalf("Corrupt lock should be replaced: %v", err)
	}
	unlock()
}

func TestLockConcurrent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "concurrent")

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		unlock, err := Lock(context.Background(), target)
		if err != nil {
			t.Errorf("G1 failed to lock: %v", err)
			return
		}
		time.Sleep(500 * time.Millisecond)
		unlock()
	}()

	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond) // let G1 win
		start := time.Now()
		unlock, err := Lock(context.Background(), target)
		if err != nil {
			t.Errorf("G2 failed to lock: %v", err)
			return
		}
		if d := time.Since(start); d < 300*time.Millisecond {
			t.Errorf("G2 acquired lock too fast (%v), expected waiting for G1", d)
		}
		unlock()
	}()

	wg.Wait()
}

func TestLockHonoursContext(t *testing.T) {
	target := filepath.Join(t.TempDir(), "held")
	unlock, err := Lock(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := Lock(ctx, target); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestTryLock(t *testing.T) {
	target := filepath.Join(t.TempDir(), "active_downloads.json")

	unlock, err := TryLock(target)
	if err != nil {
		t.Fatalf("First TryLock failed: %v", err)
	}

	// our own PID is alive, so a second holder is refused at once
	if _, err := TryLock(target); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}

	if err := unlock(); err != nil {
		t.Fatal(err)
	}
	again, err := TryLock(target)
	if err != nil {
		t.Fatalf("TryLock after unlock failed: %v", err)
	}
	again()
}

func TestEnsure(t *testing.T) {
	target := filepath.Join(t.TempDir(), "ensure_target")

	var calls atomic.Int32
	fn := func() error {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return os.WriteFile(target, []byte("done"), 0644)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := Ensure(context.Background(), target, fn); err != nil {
				t.Errorf("Ensure failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected fn to be called once, got %d", n)
	}
	content, _ := os.ReadFile(target)
	if string(content) != "done" {
		t.Errorf("Expected content 'done', got %q", string(content))
	}
}
