// Package cache guards files that several fetchkit processes may race to
// create, such as plugin artifacts and the download state snapshot.
package cache

import (
	"context"
	"os"
)

// Ensure makes sure target exists by running fn if it doesn't. A lock keeps
// concurrent processes from running fn for the same target twice.
func Ensure(ctx context.Context, target string, fn func() error) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	unlock, err := Lock(ctx, target)
	if err != nil {
		return err
	}
	defer unlock()

	// created while we waited
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	return fn()
}
