//go:build unix

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/giantswarm/notifyenv/internal/fileutil"
)

// LogFiles holds the files a run's stdout and stderr are captured into when a
// log directory is configured. Files are named after the run, so parallel runs
// of one program never share a file:
//
//	<program>-<run>-stdout.log
//	<program>-<run>-stderr.log
type LogFiles struct {
	dir    string
	run    string
	stdout *os.File
	stderr *os.File
}

// openLogFiles creates dir if needed and truncates or creates the run's
// capture files. Nothing is left open on failure.
func openLogFiles(dir, run string) (LogFiles, error) {
	if err := fileutil.EnsureDir(dir); err != nil {
		return LogFiles{}, fmt.Errorf("log dir for %s: %w", run, err)
	}
	l := LogFiles{dir: dir, run: run}
	stdout, err := os.Create(l.StdoutPath())
	if err != nil {
		return LogFiles{}, fmt.Errorf("capture %s stdout: %w", run, err)
	}
	stderr, err := os.Create(l.StderrPath())
	if err != nil {
		_ = stdout.Close()
		return LogFiles{}, fmt.Errorf("capture %s stderr: %w", run, err)
	}
	l.stdout, l.stderr = stdout, stderr
	return l, nil
}

// Close releases the handles. The files stay on disk for inspection after the
// run; calling Close again is a no-op.
func (l *LogFiles) Close() {
	for _, f := range []**os.File{&l.stdout, &l.stderr} {
		if *f != nil {
			_ = (*f).Close()
			*f = nil
		}
	}
}

// StdoutPath returns the stdout capture file, or "" when output is not
// captured.
func (l *LogFiles) StdoutPath() string {
	return l.path("stdout")
}

// StderrPath returns the stderr capture file, or "" when output is not
// captured.
func (l *LogFiles) StderrPath() string {
	return l.path("stderr")
}

func (l *LogFiles) path(stream string) string {
	if l.dir == "" {
		return ""
	}
	return filepath.Join(l.dir, l.run+"-"+stream+".log")
}

// DefaultGracePeriod is how long Terminate waits for the group to exit after
// SIGTERM before escalating to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// killDrainTimeout bounds the wait for the group to vanish after SIGKILL.
// SIGKILL cannot be caught, so this only fires when the kernel is stuck or a
// member is in uninterruptible sleep.
const killDrainTimeout = 5 * time.Second

// outputWaitDelay bounds how long cmd.Wait keeps copying output after the
// leader exits. Descendants inherit the output pipes and may hold them open
// long after the leader is gone.
const outputWaitDelay = time.Second

// groupPollInterval is the interval between checks for remaining group
// members during teardown.
const groupPollInterval = 10 * time.Millisecond

// expectSignalExit interprets the leader's cmd.Wait error after the group was
// signaled. Exits caused by SIGTERM or SIGKILL are expected and map to nil.
func expectSignalExit(err error, name string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			sig := status.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// startCaptured points cmd's output at fresh capture files for run and starts
// it. The files are closed again if the start fails.
func startCaptured(cmd *exec.Cmd, dir, run string) (LogFiles, error) {
	files, err := openLogFiles(dir, run)
	if err != nil {
		return LogFiles{}, err
	}
	cmd.Stdout, cmd.Stderr = files.stdout, files.stderr
	if err := cmd.Start(); err != nil {
		files.Close()
		return LogFiles{}, fmt.Errorf("start %s process: %w", run, err)
	}
	return files, nil
}
