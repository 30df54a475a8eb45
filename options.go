package notifyenv

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive(name string, v time.Duration) {
	if v <= 0 {
		panic(fmt.Sprintf("notifyenv: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("notifyenv: %s must not be empty", name))
	}
}

// Option configures a Runner during construction via New.
//
// Several With* functions panic on invalid input (non-positive durations,
// empty paths, malformed environment entries). Option values are typically
// literals, so an invalid value is a programmer error; the panic surfaces it
// at construction instead of inside every test.
type Option func(*runConfig)

// WithReadyTimeout sets how long to wait for the readiness datagram. A
// program that does not signal in time fails with ErrReadinessTimeout.
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithReadyTimeout(d time.Duration) Option {
	requirePositive("ready timeout", d)
	return func(c *runConfig) {
		c.ReadyTimeout = d
	}
}

// WithGracePeriod sets how long the process group has to exit after SIGTERM
// before SIGKILL is sent.
//
// Default: 5 seconds.
//
// Panics if d <= 0.
func WithGracePeriod(d time.Duration) Option {
	requirePositive("grace period", d)
	return func(c *runConfig) {
		c.GracePeriod = d
	}
}

// WithCommand replaces the build-and-run command, for example to run a
// prebuilt binary: WithCommand("./bin/server") together with WithPackage("").
//
// Default: go run.
//
// Panics if name is empty.
func WithCommand(name string, args ...string) Option {
	requireNonEmpty("command", name)
	return func(c *runConfig) {
		c.Command = append([]string{name}, args...)
	}
}

// WithPackage sets the package argument placed after the command. An empty
// pkg omits it.
//
// Default: ".".
func WithPackage(pkg string) Option {
	return func(c *runConfig) {
		c.Package = pkg
	}
}

// WithProjectDir sets the program's working directory.
//
// Default: the nearest ancestor of the working directory containing go.mod.
//
// Panics if dir is empty.
func WithProjectDir(dir string) Option {
	requireNonEmpty("project directory", dir)
	return func(c *runConfig) {
		c.ProjectDir = dir
	}
}

// WithEnv appends KEY=VALUE entries to the program's environment. Repeated
// calls accumulate.
//
// Panics if an entry has no "=" or an empty key, or sets NOTIFY_SOCKET.
func WithEnv(kv ...string) Option {
	for _, e := range kv {
		key, _, ok := strings.Cut(e, "=")
		if !ok || key == "" {
			panic(fmt.Sprintf("notifyenv: env entry %q must have the form KEY=VALUE", e))
		}
		if key == NotifySocketEnv {
			panic(fmt.Sprintf("notifyenv: env must not set %s", NotifySocketEnv))
		}
	}
	return func(c *runConfig) {
		c.Env = append(c.Env, kv...)
	}
}

// WithPortEnv gives each run one free loopback TCP port per name, passed to
// the program as NAME=PORT. Bodies read them with Port. Ports are unique
// among concurrent runs in the test binary and are released after teardown.
// Repeated calls accumulate.
//
// Panics if a name is empty, contains "=", or is NOTIFY_SOCKET.
func WithPortEnv(names ...string) Option {
	for _, name := range names {
		requireNonEmpty("port env name", name)
		if strings.ContainsRune(name, '=') {
			panic(fmt.Sprintf("notifyenv: port env name must not contain '=', got %q", name))
		}
		if name == NotifySocketEnv {
			panic(fmt.Sprintf("notifyenv: port env must not name %s", NotifySocketEnv))
		}
	}
	return func(c *runConfig) {
		c.PortEnv = append(c.PortEnv, names...)
	}
}

// WithTempDir sets the parent of the per-run socket directory. Socket paths
// are limited to about 100 bytes, so keep dir short.
//
// Default: os.TempDir().
//
// Panics if dir is empty.
func WithTempDir(dir string) Option {
	requireNonEmpty("temp directory", dir)
	return func(c *runConfig) {
		c.TempDir = dir
	}
}

// WithLogDir captures the program's stdout and stderr into
// <dir>/<program>-<run>-stdout.log and -stderr.log instead of the test
// binary's output. The directory is created if needed.
//
// Panics if dir is empty.
func WithLogDir(dir string) Option {
	requireNonEmpty("log directory", dir)
	return func(c *runConfig) {
		c.LogDir = dir
	}
}

// WithExclusiveLock makes every run hold an exclusive file lock named name
// for its whole duration. Runs using the same name are serialized across all
// test binaries on the machine, which keeps programs that bind fixed ports
// from colliding under `go test ./...`.
//
// Panics if name is empty or contains a path separator.
func WithExclusiveLock(name string) Option {
	requireNonEmpty("lock name", name)
	if strings.ContainsRune(name, '/') {
		panic(fmt.Sprintf("notifyenv: lock name must not contain '/', got %q", name))
	}
	return func(c *runConfig) {
		c.lockName = name
	}
}

// WithOutput sets where the program's stdout and stderr go. A nil writer
// keeps the test binary's own stream.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *runConfig) {
		c.Stdout = stdout
		c.Stderr = stderr
	}
}

// WithLogger sets the logger for this runner's runs. Nil keeps the package
// logger set with SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		c.Logger = l
	}
}

// WithVerbose passes --verbose to the program regardless of TestConfig and
// `go test -v`.
func WithVerbose() Option {
	return func(c *runConfig) {
		c.Verbose = true
	}
}
