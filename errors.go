package notifyenv

import (
	"errors"

	"github.com/giantswarm/notifyenv/internal/lock"
	"github.com/giantswarm/notifyenv/internal/notify"
	"github.com/giantswarm/notifyenv/internal/process"
	"github.com/giantswarm/notifyenv/internal/sentinel"
	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrChannelSetup is returned when the readiness socket could not be
	// created, for example because the socket path exceeds the platform limit.
	ErrChannelSetup = notify.ErrChannelSetup

	// ErrLaunch is returned when the program could not be spawned.
	ErrLaunch = process.ErrLaunch

	// ErrReadinessTimeout is returned when the program did not signal
	// readiness within the ready timeout. The program is torn down first.
	ErrReadinessTimeout = notify.ErrReadinessTimeout

	// ErrProcessExited is returned when the program exited before signaling
	// readiness. The error text includes its exit status.
	ErrProcessExited = notify.ErrProcessExited

	// ErrPorts is returned when WithPortEnv ports could not be allocated.
	ErrPorts = supervisor.ErrPorts

	// ErrConfigNotFound is returned when the config file does not exist.
	ErrConfigNotFound = sentinel.Error("config file not found")

	// ErrInvalidConfig is returned when the run configuration is unusable,
	// for example when no go.mod is found to derive the project directory.
	ErrInvalidConfig = supervisor.ErrInvalidConfig

	// ErrLock is returned when the exclusive lock could not be acquired
	// before the context ended.
	ErrLock = lock.ErrLock
)

// IsStartupFailure reports whether err means the program never became ready:
// the socket or ports could not be set up, the spawn failed, the program
// exited early, or it did not signal readiness in time.
func IsStartupFailure(err error) bool {
	return errors.Is(err, ErrChannelSetup) ||
		errors.Is(err, ErrPorts) ||
		errors.Is(err, ErrLaunch) ||
		errors.Is(err, ErrReadinessTimeout) ||
		errors.Is(err, ErrProcessExited)
}
