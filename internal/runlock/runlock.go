// Package runlock enforces single-instance execution. The lock is an
// OS advisory file lock, so a crashed or killed run releases it
// automatically and no stale-lock cleanup is ever needed.
package runlock

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"hansard/internal/config"
)

// ErrBusy indicates another run already holds the lock. Under a
// scheduler this is an expected condition, not a fault.
var ErrBusy = errors.New("another run is in progress")

// Guard wraps the advisory lock for one pipeline invocation.
type Guard struct {
	path string
	lock *flock.Flock
}

// New constructs a guard using the configured log directory.
func New(cfg *config.Config) *Guard {
	path := filepath.Join(cfg.Paths.LogDir, "hansard.lock")
	return &Guard{path: path, lock: flock.New(path)}
}

// Path returns the lock file location.
func (g *Guard) Path() string {
	return g.path
}

// Acquire takes the lock without blocking. A held lock returns ErrBusy.
func (g *Guard) Acquire() error {
	ok, err := g.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock %s: %w", g.path, err)
	}
	if !ok {
		return ErrBusy
	}
	return nil
}

// Release drops the lock. Safe to call when the lock was never taken.
func (g *Guard) Release() error {
	return g.lock.Unlock()
}
