package notifyenv

import (
	"time"

	"github.com/giantswarm/notifyenv/internal/notify"
	"github.com/giantswarm/notifyenv/internal/process"
	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// Default configuration values for New and Run.
const (
	// DefaultReadyTimeout bounds the wait for the readiness datagram. It
	// covers compilation when the program is started with `go run`.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultGracePeriod is how long the process group has to exit after
	// SIGTERM before it receives SIGKILL.
	DefaultGracePeriod = process.DefaultGracePeriod

	// DefaultCommand is the build-and-run command, split on whitespace.
	DefaultCommand = "go run"

	// DefaultPackage is the package argument that follows DefaultCommand.
	DefaultPackage = "."

	// NotifySocketEnv is the environment variable that carries the readiness
	// socket path to the program.
	NotifySocketEnv = supervisor.NotifySocketEnv

	// DefaultTempDirPrefix names the per-run directory holding the socket.
	DefaultTempDirPrefix = notify.DefaultPrefix
)
