package notifyenv

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/giantswarm/notifyenv/internal/fileutil"
	"github.com/giantswarm/notifyenv/internal/lock"
	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// TestConfig selects what the program loads for one test.
type TestConfig struct {
	// ConfigFile is passed to the program as -config. Relative paths are
	// resolved against the working directory, which for `go test` is the
	// directory of the package under test.
	ConfigFile string
	// Verbose appends --verbose to the program's arguments.
	Verbose bool
}

// runConfig holds options applied by New. It wraps supervisor.Config via
// embedding, keeping internal types out of the public API signature.
type runConfig struct {
	supervisor.Config

	// lockName is turned into a lock file path once TempDir is known.
	lockName string
}

// defaultRunConfig returns a runConfig populated with all default values.
func defaultRunConfig() runConfig {
	return runConfig{Config: supervisor.Config{
		Command:       strings.Fields(DefaultCommand),
		Package:       DefaultPackage,
		ReadyTimeout:  DefaultReadyTimeout,
		GracePeriod:   DefaultGracePeriod,
		TempDirPrefix: DefaultTempDirPrefix,
	}}
}

// resolve combines the runner's options with one TestConfig into the
// supervisor configuration for a single run. It touches the filesystem to
// resolve paths but starts nothing.
func (c runConfig) resolve(tc TestConfig) (supervisor.Config, error) {
	cfg := c.Config
	cfg.Command = slices.Clone(c.Command)
	cfg.Env = slices.Clone(c.Env)
	cfg.PortEnv = slices.Clone(c.PortEnv)
	cfg.Verbose = c.Verbose || tc.Verbose

	if tc.ConfigFile == "" {
		return supervisor.Config{}, fmt.Errorf("%w: config file must not be empty", ErrInvalidConfig)
	}
	configFile, err := filepath.Abs(tc.ConfigFile)
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("%w: resolve config file %s: %w", ErrInvalidConfig, tc.ConfigFile, err)
	}
	info, err := os.Stat(configFile)
	switch {
	case err != nil:
		return supervisor.Config{}, fmt.Errorf("%w: %s: %w", ErrConfigNotFound, configFile, err)
	case info.IsDir():
		return supervisor.Config{}, fmt.Errorf("%w: %s is a directory", ErrConfigNotFound, configFile)
	}
	cfg.ConfigFile = configFile

	if cfg.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return supervisor.Config{}, fmt.Errorf("%w: get working directory: %w", ErrInvalidConfig, err)
		}
		root, err := fileutil.FindModuleRoot(wd)
		if err != nil {
			return supervisor.Config{}, fmt.Errorf("%w: derive project directory from %s (set WithProjectDir): %w",
				ErrInvalidConfig, wd, err)
		}
		cfg.ProjectDir = root
	}

	if c.lockName != "" {
		cfg.LockFile = lock.Path(cfg.TempDir, c.lockName)
	}
	return cfg, nil
}
