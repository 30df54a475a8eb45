//go:build unix

package notifyenv

import (
	"context"
	"testing"

	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// Compile-time interface satisfaction check.
var _ Runner = (*runner)(nil)

// runner is the Runner returned by New.
type runner struct {
	cfg runConfig
}

// New returns a Runner configured with opts. It performs no I/O.
//
// Panics if any option receives an invalid value. See individual With*
// functions for constraints.
//
//nolint:ireturn // Returns Runner interface by design for testability (mockable).
func New(opts ...Option) Runner {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &runner{cfg: cfg}
}

// Run launches a program with default options plus opts. See Runner.Run.
func Run(ctx context.Context, tc TestConfig, body Body, opts ...Option) error {
	return New(opts...).Run(ctx, tc, body)
}

// Test is the decorator for test functions: it returns a test that runs fn
// against a program started with configFile. See Runner.Test.
//
//	func TestAuth(t *testing.T) {
//	    notifyenv.Test("auth.yaml", func(ctx context.Context, t *testing.T) {
//	        // ...
//	    })(t)
//	}
func Test(configFile string, fn TestFunc, opts ...Option) func(*testing.T) {
	return New(opts...).Test(configFile, fn)
}

func (r *runner) Run(ctx context.Context, tc TestConfig, body Body) error {
	cfg, err := r.cfg.resolve(tc)
	if err != nil {
		return err
	}
	return supervisor.Run(ctx, cfg, supervisor.Body(body))
}

func (r *runner) Test(configFile string, fn TestFunc) func(*testing.T) {
	if fn == nil {
		panic("notifyenv: test function must not be nil")
	}
	return func(t *testing.T) {
		t.Helper()

		tc := TestConfig{ConfigFile: configFile, Verbose: testing.Verbose()}
		// t.FailNow inside fn exits this goroutine; Run's teardown still runs.
		err := r.Run(t.Context(), tc, func(ctx context.Context) error {
			fn(ctx, t)
			return nil
		})
		switch {
		case err == nil:
		case IsStartupFailure(err):
			t.Fatalf("notifyenv: program for %s did not start: %v", configFile, err)
		default:
			t.Fatalf("notifyenv: %v", err)
		}
	}
}
