// Package cancel hands out one cancellation token per running download and
// records the cancelled outcome when a token is signalled by the user.
package cancel

import (
	"context"
	"errors"
	"fetchkit/pkg/common"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// UserMessage is stored on records cancelled through Cancel.
const UserMessage = "Download cancelled by user"

var (
	ErrNotFound = errors.New("no running download with this id")
	ErrActive   = errors.New("download already has a cancellation token")
)

// Recorder persists a cancelled outcome. state.Store satisfies it.
type Recorder interface {
	MarkCancelled(id, msg string) (*common.DownloadRecord, error)
}

// Coordinator is safe for concurrent use. Tokens live only in memory.
// Mutable
type Coordinator struct {
	mu     sync.Mutex
	tokens map[string]context.CancelCauseFunc
	rec    Recorder
}

// New creates a Coordinator. rec may be nil.
func New(rec Recorder) *Coordinator {
	return &Coordinator{
		tokens: map[string]context.CancelCauseFunc{},
		rec:    rec,
	}
}

// Begin creates the token for id. The returned context is done once Cancel,
// CancelAll or Release is called for id, or when parent is done.
func (c *Coordinator) Begin(parent context.Context, id string) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokens[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrActive, id)
	}
	ctx, cancel := context.WithCancelCause(parent)
	c.tokens[id] = cancel
	return ctx, nil
}

// Release drops the token after a terminal outcome. It is a no-op for unknown ids.
func (c *Coordinator) Release(id string) {
	c.mu.Lock()
	cancel, ok := c.tokens[id]
	delete(c.tokens, id)
	c.mu.Unlock()
	if ok {
		cancel(context.Canceled)
	}
}

// Cancel signals the token for id and records the download as cancelled.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	cancel, ok := c.tokens[id]
	delete(c.tokens, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cancel(common.ErrCancelled)
	slog.Info("Cancelled download", "id", id)

	if c.rec == nil {
		return nil
	}
	if _, err := c.rec.MarkCancelled(id, UserMessage); err != nil {
		return fmt.Errorf("failed to record cancellation of %s: %w", id, err)
	}
	return nil
}

// CancelAll signals every token. Records are left for the download goroutines
// to settle.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	tokens := c.tokens
	c.tokens = map[string]context.CancelCauseFunc{}
	c.mu.Unlock()

	for _, cancel := range tokens {
		cancel(common.ErrCancelled)
	}
	return len(tokens)
}

// Active returns the ids holding a token, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.tokens))
}

// Cancelled reports whether ctx was stopped by Cancel or CancelAll rather
// than by Release or its parent.
func Cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), common.ErrCancelled)
}
