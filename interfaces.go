package notifyenv

import (
	"context"
	"testing"
)

// Body is the test logic run once the program is ready. Run returns its error
// unchanged, after teardown.
type Body func(ctx context.Context) error

// TestFunc is a test body for the Test decorator. It reports failures
// through t as any test does.
type TestFunc func(ctx context.Context, t *testing.T)

// Runner launches programs with a fixed set of options.
//
// A Runner holds no state between runs and is safe for concurrent use by
// parallel tests; every run gets its own socket and process group.
type Runner interface {
	// Run launches the program with tc, waits for readiness, calls body
	// exactly once, and terminates the program's process group before
	// returning.
	//
	// Startup problems wrap ErrConfigNotFound, ErrInvalidConfig, ErrLock,
	// ErrChannelSetup, ErrPorts, ErrLaunch, ErrProcessExited, or
	// ErrReadinessTimeout.
	// Otherwise Run returns exactly what body returned. A panic in body is
	// re-raised after teardown.
	Run(ctx context.Context, tc TestConfig, body Body) error

	// Test wraps fn into a test function that runs it against a program
	// started with configFile. Verbose follows `go test -v`. Startup
	// problems fail the test with t.Fatalf.
	Test(configFile string, fn TestFunc) func(*testing.T)
}
