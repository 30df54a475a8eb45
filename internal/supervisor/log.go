package supervisor

import (
	"log/slog"
	"sync/atomic"
)

// logger is the package-level logger, stored as an atomic pointer so it can be
// replaced while runs are in flight. A nil value means no custom logger has
// been set.
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches slog.Default() with the notifyenv component attribute.
// SetLogger clears it, so a later slog.SetDefault is picked up after
// SetLogger(nil).
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger. It is safe to call from
// multiple goroutines.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := newDefaultLogger()
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	// A concurrent SetLogger may have cleared the cache after our CAS lost.
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

func newDefaultLogger() *slog.Logger {
	return slog.Default().With("component", "notifyenv")
}

// SetLogger replaces the package-level logger. A nil l restores the default,
// re-derived from slog.Default() on the next Logger call.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
