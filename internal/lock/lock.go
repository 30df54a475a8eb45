package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// ErrLock is returned when the exclusive lock could not be acquired.
const ErrLock = sentinel.Error("failed to acquire exclusive lock")

// retryInterval is the interval between consecutive attempts to acquire the
// lock. 50ms keeps the wait short after the holder releases without spinning.
const retryInterval = 50 * time.Millisecond

// Lock is a held exclusive file lock.
type Lock struct {
	fl  *flock.Flock
	log *slog.Logger
}

// Path returns the lock file path for name inside dir. An empty dir means
// os.TempDir(), which every test process on the machine shares.
func Path(dir, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "notifyenv-"+name+".lock")
}

// Acquire blocks until it holds an exclusive lock on path or ctx is done.
// Failures wrap ErrLock.
func Acquire(ctx context.Context, path string, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fl := flock.New(path)

	start := time.Now()
	locked, err := fl.TryLockContext(ctx, retryInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLock, path, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLock, path, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: lock not acquired", ErrLock, path)
	}

	logger.Debug("exclusive lock acquired", "path", path, "waited", time.Since(start))
	return &Lock{fl: fl, log: logger}, nil
}

// Release unlocks and closes the lock file. The file stays on disk: removing
// it could invalidate a lock another process acquires concurrently. Release is
// safe to call on a nil Lock and more than once.
func (l *Lock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	if err := l.fl.Close(); err != nil {
		l.log.Debug("failed to release lock", "path", l.fl.Path(), "error", err)
	}
	l.fl = nil
}
