//go:build unix

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/giantswarm/notifyenv"
)

// ErrUsage marks command line errors.
var ErrUsage = errors.New("usage error")

// cliFlags holds every command line flag.
type cliFlags struct {
	config       string
	projectDir   string
	command      string
	pkg          string
	readyTimeout time.Duration
	gracePeriod  time.Duration
	lock         string
	logDir       string
	tempDir      string
	env          []string
	portEnv      []string
	verbose      bool

	suite    string
	parallel int
}

const usageHeader = `Usage:
  notifyenv [flags] --config FILE -- COMMAND [ARGS...]
  notifyenv [flags] --suite FILE

Starts the program (by default "go run ." in the project directory) with
-config FILE, waits for it to signal readiness over NOTIFY_SOCKET, runs
COMMAND with NOTIFYENV_CONFIG set to the absolute config path (and every
--port-env port), then stops the program's whole process group.

Flags:
`

// parseFlags parses args (including the program name). It returns the test
// command that followed the flags.
func parseFlags(args []string, output io.Writer) (cliFlags, []string, error) {
	var f cliFlags
	fs := flag.NewFlagSet("notifyenv", flag.ContinueOnError)
	fs.SetOutput(output)
	// Stop at the first positional argument so the test command keeps its flags.
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprint(output, usageHeader)
		fs.PrintDefaults()
	}

	fs.StringVarP(&f.config, "config", "c", "", "config file passed to the program as -config")
	fs.StringVar(&f.projectDir, "project-dir", "", "program working directory (default: nearest directory with go.mod)")
	fs.StringVar(&f.command, "command", notifyenv.DefaultCommand, "build-and-run command, split on spaces")
	fs.StringVar(&f.pkg, "package", notifyenv.DefaultPackage, "package argument after the command (\"\" to omit)")
	fs.DurationVar(&f.readyTimeout, "ready-timeout", notifyenv.DefaultReadyTimeout, "how long to wait for readiness")
	fs.DurationVar(&f.gracePeriod, "grace-period", notifyenv.DefaultGracePeriod, "how long to wait after SIGTERM before SIGKILL")
	fs.StringVar(&f.lock, "lock", "", "name of an exclusive lock held while the program runs")
	fs.StringVar(&f.logDir, "log-dir", "", "capture program output into files in this directory")
	fs.StringVar(&f.tempDir, "temp-dir", "", "parent directory of the readiness socket")
	fs.StringArrayVarP(&f.env, "env", "e", nil, "extra KEY=VALUE for the program's environment (repeatable)")
	fs.StringArrayVar(&f.portEnv, "port-env", nil, "give the program and the test command a free port in this variable (repeatable)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "pass --verbose to the program and log lifecycle details")
	fs.StringVar(&f.suite, "suite", "", "YAML suite file listing configs and test commands")
	fs.IntVarP(&f.parallel, "parallel", "p", 0, "suite entries to run at once (default: from suite file, else 1)")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return f, nil, err
		}
		return f, nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	command := fs.Args()

	if err := f.validate(command); err != nil {
		return f, nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return f, command, nil
}

func (f cliFlags) validate(command []string) error {
	var errs []error

	if f.suite != "" {
		if f.config != "" {
			errs = append(errs, errors.New("--suite and --config are mutually exclusive"))
		}
		if len(command) > 0 {
			errs = append(errs, errors.New("--suite takes its commands from the suite file"))
		}
		if f.parallel < 0 {
			errs = append(errs, fmt.Errorf("--parallel must not be negative, got %d", f.parallel))
		}
	} else {
		if f.config == "" {
			errs = append(errs, errors.New("--config or --suite is required"))
		}
		if len(command) == 0 {
			errs = append(errs, errors.New("a test command is required after the flags"))
		}
		if f.parallel != 0 {
			errs = append(errs, errors.New("--parallel requires --suite"))
		}
	}
	if len(strings.Fields(f.command)) == 0 {
		errs = append(errs, errors.New("--command must not be empty"))
	}
	if strings.ContainsRune(f.lock, '/') {
		errs = append(errs, fmt.Errorf("--lock must not contain '/', got %q", f.lock))
	}
	if err := validateEnv(f.env); err != nil {
		errs = append(errs, fmt.Errorf("--env: %w", err))
	}
	if err := validatePortEnv(f.portEnv); err != nil {
		errs = append(errs, fmt.Errorf("--port-env: %w", err))
	}
	if f.readyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--ready-timeout must be greater than 0, got %s", f.readyTimeout))
	}
	if f.gracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("--grace-period must be greater than 0, got %s", f.gracePeriod))
	}

	return errors.Join(errs...)
}

// validateEnv checks KEY=VALUE entries the way notifyenv.WithEnv does, so bad
// input becomes a usage error instead of a panic.
func validateEnv(env []string) error {
	var errs []error
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		switch {
		case !ok || key == "":
			errs = append(errs, fmt.Errorf("entry %q must have the form KEY=VALUE", kv))
		case key == notifyenv.NotifySocketEnv:
			errs = append(errs, fmt.Errorf("%s is reserved for the readiness socket", notifyenv.NotifySocketEnv))
		}
	}
	return errors.Join(errs...)
}

// validatePortEnv checks names the way notifyenv.WithPortEnv does.
func validatePortEnv(names []string) error {
	var errs []error
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		switch {
		case name == "" || strings.ContainsRune(name, '='):
			errs = append(errs, fmt.Errorf("name %q must be non-empty without '='", name))
		case name == notifyenv.NotifySocketEnv:
			errs = append(errs, fmt.Errorf("%s is reserved for the readiness socket", notifyenv.NotifySocketEnv))
		case seen[name]:
			errs = append(errs, fmt.Errorf("name %q listed twice", name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

// options translates the flags into notifyenv options. Program output goes to
// output so the test command owns stdout.
func (f cliFlags) options(output io.Writer, log *slog.Logger) []notifyenv.Option {
	fields := strings.Fields(f.command)
	opts := []notifyenv.Option{
		notifyenv.WithCommand(fields[0], fields[1:]...),
		notifyenv.WithPackage(f.pkg),
		notifyenv.WithReadyTimeout(f.readyTimeout),
		notifyenv.WithGracePeriod(f.gracePeriod),
		notifyenv.WithOutput(output, output),
		notifyenv.WithLogger(log),
	}
	if f.projectDir != "" {
		opts = append(opts, notifyenv.WithProjectDir(f.projectDir))
	}
	if f.lock != "" {
		opts = append(opts, notifyenv.WithExclusiveLock(f.lock))
	}
	if f.logDir != "" {
		opts = append(opts, notifyenv.WithLogDir(f.logDir))
	}
	if f.tempDir != "" {
		opts = append(opts, notifyenv.WithTempDir(f.tempDir))
	}
	if len(f.env) > 0 {
		opts = append(opts, notifyenv.WithEnv(f.env...))
	}
	if len(f.portEnv) > 0 {
		opts = append(opts, notifyenv.WithPortEnv(f.portEnv...))
	}
	return opts
}
