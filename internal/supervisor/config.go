package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/notifyenv/internal/netutil"
	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// ErrInvalidConfig wraps every Validate failure returned by Run.
const ErrInvalidConfig = sentinel.Error("invalid configuration")

// NotifySocketEnv is the environment variable that carries the readiness
// socket path to the launched program.
const NotifySocketEnv = "NOTIFY_SOCKET"

// Config describes one supervised run.
//
// Concurrency contract: Run reads Config without synchronization; callers must
// not mutate slices or writers they passed in while a run is in flight.
type Config struct {
	// Command is the build-and-run command, for example ["go", "run"].
	// Command[0] is resolved through PATH.
	Command []string
	// Package is inserted after Command, "." for `go run .`. Empty omits it,
	// for commands that are already the program.
	Package string
	// ProjectDir is the child's working directory.
	ProjectDir string
	// ConfigFile is the absolute path passed to the program as -config.
	ConfigFile string
	// Verbose appends --verbose to the program's arguments.
	Verbose bool

	// ReadyTimeout bounds the wait for the readiness datagram.
	ReadyTimeout time.Duration
	// GracePeriod is how long the group has to exit after SIGTERM before
	// SIGKILL is sent.
	GracePeriod time.Duration

	// Env holds extra KEY=VALUE entries appended to the inherited
	// environment. NOTIFY_SOCKET is always set last and cannot be overridden.
	Env []string
	// TempDir is the parent of the per-run socket directory. Empty means
	// os.TempDir().
	TempDir string
	// TempDirPrefix names the per-run socket directory. Empty uses the
	// listener default.
	TempDirPrefix string
	// LogDir, when set, captures the program's stdout and stderr into files
	// there instead of Stdout and Stderr.
	LogDir string
	// LockFile, when set, is held exclusively for the whole run, serializing
	// runs across processes (for example programs that bind fixed ports).
	LockFile string
	// PortEnv names environment variables that each receive a free loopback
	// TCP port for this run, for programs told where to listen by env.
	PortEnv []string
	// Ports hands out PortEnv ports. Nil uses a registry shared by the
	// whole process.
	Ports *netutil.PortRegistry

	// Stdout and Stderr receive the program's output. Nil means the test
	// binary's own stdout and stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Logger defaults to the package logger.
	Logger *slog.Logger
	// Observer, when set, is called synchronously on every state transition.
	Observer func(State)
}

// Validate checks all Config invariants and returns an error describing every
// violation found.
func (c Config) Validate() error {
	var errs []error

	if len(c.Command) == 0 || c.Command[0] == "" {
		errs = append(errs, errors.New("command must not be empty"))
	}
	if c.ProjectDir == "" {
		errs = append(errs, errors.New("project directory must not be empty"))
	}
	if c.ConfigFile == "" {
		errs = append(errs, errors.New("config file must not be empty"))
	} else if !filepath.IsAbs(c.ConfigFile) {
		errs = append(errs, fmt.Errorf("config file must be an absolute path, got %q", c.ConfigFile))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ready timeout must be greater than 0, got %s", c.ReadyTimeout))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace period must be greater than 0, got %s", c.GracePeriod))
	}
	for _, kv := range c.Env {
		key, _, ok := strings.Cut(kv, "=")
		switch {
		case !ok || key == "":
			errs = append(errs, fmt.Errorf("env entry %q must have the form KEY=VALUE", kv))
		case key == NotifySocketEnv:
			errs = append(errs, fmt.Errorf("env must not set %s; it is reserved for the readiness socket", NotifySocketEnv))
		}
	}

	seen := make(map[string]bool, len(c.PortEnv))
	for _, name := range c.PortEnv {
		switch {
		case name == "" || strings.ContainsRune(name, '='):
			errs = append(errs, fmt.Errorf("port env name %q must be a non-empty name without '='", name))
		case name == NotifySocketEnv:
			errs = append(errs, fmt.Errorf("port env must not name %s", NotifySocketEnv))
		case seen[name]:
			errs = append(errs, fmt.Errorf("port env name %q listed twice", name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}

// Args returns the arguments passed after Command[0]:
// Command[1:], Package, -config ConfigFile, and --verbose when set.
func (c Config) Args() []string {
	args := make([]string, 0, len(c.Command)+4)
	if len(c.Command) > 1 {
		args = append(args, c.Command[1:]...)
	}
	if c.Package != "" {
		args = append(args, c.Package)
	}
	args = append(args, "-config", c.ConfigFile)
	if c.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// environ returns the child's environment: the current environment, then Env,
// then one NAME=PORT per allocated port, then NOTIFY_SOCKET=addr. Later
// entries win in os/exec, so an inherited NOTIFY_SOCKET (for example from a
// systemd unit running the tests) is replaced.
func (c Config) environ(addr string, ports map[string]int) []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+len(c.Env)+len(ports)+1)
	out = append(out, env...)
	out = append(out, c.Env...)
	for _, name := range c.PortEnv {
		if p, ok := ports[name]; ok {
			out = append(out, name+"="+strconv.Itoa(p))
		}
	}
	return append(out, NotifySocketEnv+"="+addr)
}

// registry returns the port registry for this run.
func (c Config) registry() *netutil.PortRegistry {
	if c.Ports != nil {
		return c.Ports
	}
	return sharedPorts()
}

func (c Config) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c Config) stderr() io.Writer {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return Logger()
}

// name identifies the program in log entries.
func (c Config) name() string {
	return filepath.Base(c.Command[0])
}
