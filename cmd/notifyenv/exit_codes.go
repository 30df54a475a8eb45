//go:build unix

package main

import (
	"errors"

	"github.com/giantswarm/notifyenv"
)

// Exit codes for the notifyenv CLI.
const (
	ExitSuccess    = 0 // Program started and every test command passed
	ExitTestFailed = 1 // A test command failed, or the run was interrupted
	ExitUsage      = 2 // Invalid flags, suite file, or config path
	ExitStartup    = 3 // The program never became ready
)

// exitCodeFor returns the exit code for an error. Startup failures win over
// test failures when a suite produced both.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	if notifyenv.IsStartupFailure(err) {
		return ExitStartup
	}

	if errors.Is(err, ErrUsage) ||
		errors.Is(err, ErrSuite) ||
		errors.Is(err, notifyenv.ErrConfigNotFound) ||
		errors.Is(err, notifyenv.ErrInvalidConfig) {
		return ExitUsage
	}

	return ExitTestFailed
}
