package notifyenv

import (
	"log/slog"

	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// SetLogger replaces the package-level logger used by notifyenv.
// The provided logger should already have any desired attributes; notifyenv
// only adds per-run attributes such as the program name and pid.
//
// If l is nil, the logger resets to the default: slog.Default() with a
// "component" attribute, re-derived on the next use and then cached. Call
// SetLogger(nil) after slog.SetDefault() to pick up changes.
//
// SetLogger is safe to call concurrently with running tests, though a run
// already in flight keeps the logger it started with.
//
// Example:
//
//	notifyenv.SetLogger(myLogger.With("component", "notifyenv"))
func SetLogger(l *slog.Logger) {
	supervisor.SetLogger(l)
}
