//go:build unix

// Command notifyenv starts a program that signals readiness over
// NOTIFY_SOCKET, runs a test command against it, and stops the program's
// whole process group afterwards.
//
//	notifyenv --config hello.yaml -- go test ./e2e -run TestHello
//	notifyenv --suite e2e/suite.yaml --parallel 2
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run is main without the process exit, returning the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	f, command, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCodeFor(err)
	}

	logf := func(string, ...any) {}
	if f.verbose {
		logf = func(format string, args ...any) {
			fmt.Fprintf(stderr, format+"\n", args...)
		}
	}
	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
	// in which case Go runtime defaults apply.
	_, _ = maxprocs.Set(maxprocs.Logger(logf))

	// The program, the logger and suite entries all write to stderr.
	stderr = &lockedWriter{w: stderr}
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).
		With("component", "notifyenv")

	ctx, stop := notifyContext(context.Background())
	defer stop()

	if f.suite != "" {
		err = runSuiteFile(ctx, f, log, stdout, stderr)
	} else {
		spec := testSpec{config: f.config, command: command, verbose: f.verbose, grace: f.gracePeriod, log: log}
		err = runTest(ctx, spec, f.options(stderr, log), stdout, stderr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "notifyenv: %v\n", err)
	}
	return exitCodeFor(err)
}

func runSuiteFile(ctx context.Context, f cliFlags, log *slog.Logger, stdout, stderr io.Writer) error {
	s, err := loadSuite(f.suite)
	if err != nil {
		return err
	}
	return runSuite(ctx, s, f, log, stdout, stderr)
}
