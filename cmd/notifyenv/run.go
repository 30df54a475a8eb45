//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/giantswarm/notifyenv"
	"github.com/giantswarm/notifyenv/internal/process"
)

// ConfigEnv carries the absolute config path to the test command.
const ConfigEnv = "NOTIFYENV_CONFIG"

// ErrTestFailed wraps a failing test command.
var ErrTestFailed = errors.New("test command failed")

// testSpec is one program config plus the command that tests it.
type testSpec struct {
	config  string
	command []string
	verbose bool
	// grace bounds how long the test command's group gets after SIGTERM
	// when the run is interrupted.
	grace time.Duration
	log   *slog.Logger
}

// runTest starts the program for spec, runs the test command once it is
// ready, and stops the program.
//
// The test command leads its own process group. Once it exits, or the run is
// canceled, the whole group is stopped the same way as the program.
func runTest(ctx context.Context, spec testSpec, opts []notifyenv.Option, stdout, stderr io.Writer) error {
	config, err := filepath.Abs(spec.config)
	if err != nil {
		return fmt.Errorf("resolve config %s: %w", spec.config, err)
	}

	tc := notifyenv.TestConfig{ConfigFile: config, Verbose: spec.verbose}
	return notifyenv.Run(ctx, tc, func(ctx context.Context) error {
		cmd := exec.Command(spec.command[0], spec.command[1:]...)
		cmd.Env = append(os.Environ(), ConfigEnv+"="+config)
		for name, port := range notifyenv.Ports(ctx) {
			cmd.Env = append(cmd.Env, name+"="+strconv.Itoa(port))
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		g, err := process.Start(cmd, process.StartOptions{Name: "test-command", Logger: spec.log})
		if err != nil {
			// %v keeps the launch failure from reading as a program startup failure.
			return fmt.Errorf("%w: %s: %v", ErrTestFailed, spec.command[0], err)
		}
		select {
		case <-g.Exited():
		case <-ctx.Done():
		}
		// Also ends helpers the command left running in the background.
		stopErr := g.Terminate(spec.grace)
		if err := g.ExitErr(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTestFailed, spec.command[0], err)
		}
		if stopErr != nil {
			return fmt.Errorf("%w: stop %s: %w", ErrTestFailed, spec.command[0], stopErr)
		}
		return nil
	}, opts...)
}
