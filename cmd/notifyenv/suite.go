//go:build unix

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"golang.org/x/sync/errgroup"
)

// ErrSuite marks an unreadable or invalid suite file.
var ErrSuite = errors.New("invalid suite file")

// maxSuiteSize limits suite input to keep a malformed file from exhausting memory.
const maxSuiteSize = 1 << 20

// Suite lists programs to start and the commands that test them.
type Suite struct {
	// Parallel is how many entries run at once; --parallel overrides it.
	Parallel int          `yaml:"parallel"`
	Tests    []SuiteEntry `yaml:"tests"`
}

// SuiteEntry is one program config and its test command.
type SuiteEntry struct {
	Name string `yaml:"name"`
	// Config is relative to the suite file.
	Config  string   `yaml:"config"`
	Run     []string `yaml:"run"`
	Verbose bool     `yaml:"verbose"`
	// Lock, Env and Ports add to the command line settings for this entry.
	Lock  string   `yaml:"lock"`
	Env   []string `yaml:"env"`
	Ports []string `yaml:"ports"`
}

// loadSuite reads and validates the suite at path. Entry config paths are
// made absolute relative to the suite file's directory.
func loadSuite(path string) (Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, fmt.Errorf("%w: %w", ErrSuite, err)
	}
	if len(data) > maxSuiteSize {
		return Suite{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrSuite, path, maxSuiteSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Suite{}, fmt.Errorf("%w: %s is empty", ErrSuite, path)
	}

	var s Suite
	if err := yaml.UnmarshalWithOptions(data, &s, yaml.Strict()); err != nil {
		return Suite{}, fmt.Errorf("%w: %s: %w", ErrSuite, path, err)
	}
	if err := s.validate(); err != nil {
		return Suite{}, fmt.Errorf("%w: %s: %w", ErrSuite, path, err)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Suite{}, fmt.Errorf("%w: %w", ErrSuite, err)
	}
	for i := range s.Tests {
		if !filepath.IsAbs(s.Tests[i].Config) {
			s.Tests[i].Config = filepath.Join(base, s.Tests[i].Config)
		}
	}
	return s, nil
}

func (s Suite) validate() error {
	var errs []error

	if s.Parallel < 0 {
		errs = append(errs, fmt.Errorf("parallel must not be negative, got %d", s.Parallel))
	}
	if len(s.Tests) == 0 {
		errs = append(errs, errors.New("tests must not be empty"))
	}
	seen := make(map[string]bool, len(s.Tests))
	for i, e := range s.Tests {
		label := e.Name
		if label == "" {
			label = fmt.Sprintf("tests[%d]", i)
			errs = append(errs, fmt.Errorf("%s: name must not be empty", label))
		} else if seen[e.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", label))
		}
		seen[e.Name] = true

		if e.Config == "" {
			errs = append(errs, fmt.Errorf("%s: config must not be empty", label))
		}
		if len(e.Run) == 0 || e.Run[0] == "" {
			errs = append(errs, fmt.Errorf("%s: run must name a command", label))
		}
		if strings.ContainsRune(e.Lock, '/') {
			errs = append(errs, fmt.Errorf("%s: lock must not contain '/', got %q", label, e.Lock))
		}
		if err := validateEnv(e.Env); err != nil {
			errs = append(errs, fmt.Errorf("%s: env: %w", label, err))
		}
		if err := validatePortEnv(e.Ports); err != nil {
			errs = append(errs, fmt.Errorf("%s: ports: %w", label, err))
		}
	}

	return errors.Join(errs...)
}

// result is the outcome of one suite entry.
type result struct {
	name    string
	err     error
	elapsed time.Duration
}

// runSuite runs every entry, at most limit at a time, and prints a summary
// to stdout. All entries run even when some fail. The returned error joins
// every failure.
func runSuite(ctx context.Context, s Suite, f cliFlags, log *slog.Logger, stdout, stderr io.Writer) error {
	limit := f.parallel
	if limit == 0 {
		limit = s.Parallel
	}
	if limit <= 0 {
		limit = 1
	}

	// Test command output from parallel entries shares the streams.
	out := &lockedWriter{w: stdout}
	errOut := &lockedWriter{w: stderr}

	results := make([]result, len(s.Tests))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, entry := range s.Tests {
		g.Go(func() error {
			ef := f
			ef.env = append(append([]string(nil), f.env...), entry.Env...)
			ef.portEnv = append(append([]string(nil), f.portEnv...), entry.Ports...)
			if entry.Lock != "" {
				ef.lock = entry.Lock
			}
			entryLog := log.With("suite_entry", entry.Name)
			spec := testSpec{
				config:  entry.Config,
				command: entry.Run,
				verbose: f.verbose || entry.Verbose,
				grace:   f.gracePeriod,
				log:     entryLog,
			}

			start := time.Now()
			err := runTest(ctx, spec, ef.options(errOut, entryLog), out, errOut)
			results[i] = result{name: entry.Name, err: err, elapsed: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait() // entries report through results

	var errs []error
	for _, r := range results {
		elapsed := r.elapsed.Round(time.Millisecond)
		if r.err != nil {
			fmt.Fprintf(out, "FAIL %s (%s): %v\n", r.name, elapsed, r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		fmt.Fprintf(out, "PASS %s (%s)\n", r.name, elapsed)
	}
	fmt.Fprintf(out, "%d passed, %d failed\n", len(results)-len(errs), len(errs))
	return errors.Join(errs...)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
