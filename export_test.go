package notifyenv

import (
	"io"
	"log/slog"
	"time"

	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// ConfigSnapshot holds a copy of runConfig fields for test assertions.
// Exported only via export_test.go so that the _test package can verify
// option closures actually mutate the config without accessing internals.
type ConfigSnapshot struct {
	Command       []string
	Package       string
	ProjectDir    string
	Verbose       bool
	ReadyTimeout  time.Duration
	GracePeriod   time.Duration
	Env           []string
	PortEnv       []string
	TempDir       string
	TempDirPrefix string
	LogDir        string
	LockName      string
	Stdout        io.Writer
	Stderr        io.Writer
	Logger        *slog.Logger
}

// ApplyOptionsForTesting creates a default runConfig, applies the given
// options, and returns a ConfigSnapshot of the result.
func ApplyOptionsForTesting(opts ...Option) ConfigSnapshot {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return ConfigSnapshot{
		Command:       cfg.Command,
		Package:       cfg.Package,
		ProjectDir:    cfg.ProjectDir,
		Verbose:       cfg.Verbose,
		ReadyTimeout:  cfg.ReadyTimeout,
		GracePeriod:   cfg.GracePeriod,
		Env:           cfg.Env,
		PortEnv:       cfg.PortEnv,
		TempDir:       cfg.TempDir,
		TempDirPrefix: cfg.TempDirPrefix,
		LogDir:        cfg.LogDir,
		LockName:      cfg.lockName,
		Stdout:        cfg.Stdout,
		Stderr:        cfg.Stderr,
		Logger:        cfg.Logger,
	}
}

// ResolveForTesting applies opts and resolves tc the way Run does, without
// starting anything.
func ResolveForTesting(tc TestConfig, opts ...Option) (supervisor.Config, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.resolve(tc)
}
