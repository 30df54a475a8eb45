package fakeapp

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// maxConfigSize limits config input to keep a malformed file from exhausting memory.
const maxConfigSize = 1 << 20

// Config describes how the fake program behaves.
type Config struct {
	// ReadyDelay is how long to wait before notifying, as a Go duration string.
	ReadyDelay string `yaml:"ready_delay"`
	// SkipNotify never sends the readiness datagram.
	SkipNotify bool `yaml:"skip_notify"`
	// ExitBeforeReady exits with ExitCode (1 when zero) instead of notifying.
	ExitBeforeReady bool `yaml:"exit_before_ready"`
	ExitCode        int  `yaml:"exit_code"`
	// IgnoreTerm ignores SIGTERM in the program and every child it forks.
	IgnoreTerm bool `yaml:"ignore_term"`
	// SpawnChild forks a long-running helper into the same process group.
	SpawnChild bool `yaml:"spawn_child"`
	// InfoFile, when set, receives an Info document before readiness.
	InfoFile string `yaml:"info_file"`
	// ListenEnv names an environment variable holding a TCP port. The
	// program serves on 127.0.0.1 at that port before it notifies.
	ListenEnv string `yaml:"listen_env"`
}

// readyDelay parses ReadyDelay. An empty value means no delay.
func (c Config) readyDelay() (time.Duration, error) {
	if c.ReadyDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ReadyDelay)
	if err != nil {
		return 0, fmt.Errorf("ready_delay: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("ready_delay must not be negative, got %s", d)
	}
	return d, nil
}

// LoadConfig reads and strictly decodes the config file at path. Unknown keys
// are rejected so typos in test fixtures fail loudly. An empty file yields the
// zero Config: start, notify, and wait for a signal.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(data) > maxConfigSize {
		return Config{}, fmt.Errorf("config %s exceeds %d bytes", path, maxConfigSize)
	}
	var cfg Config
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := cfg.readyDelay(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
