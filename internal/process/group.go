//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// ErrLaunch is returned by Start when the program could not be spawned, for
// example because the executable does not exist.
const ErrLaunch = sentinel.Error("failed to launch program")

// ErrNilCmd is returned when Start is called with a nil *exec.Cmd.
const ErrNilCmd = sentinel.Error("cmd must not be nil")

// ErrEmptyCmdPath is returned when Start is called with an empty cmd.Path.
const ErrEmptyCmdPath = sentinel.Error("cmd.Path must not be empty")

// StartOptions configures Start.
type StartOptions struct {
	// Name is used in log entries and log file names. Defaults to the base
	// name of cmd.Path.
	Name string
	// LogDir, when set, redirects stdout and stderr to files in this
	// directory, overriding cmd.Stdout and cmd.Stderr.
	LogDir string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Group is a launched program that leads its own process group.
//
// Group is safe for concurrent use: Terminate runs its teardown at most once
// and every caller observes the same result.
type Group struct {
	cmd      *exec.Cmd
	name     string
	pgid     int
	log      *slog.Logger
	logFiles LogFiles

	// waitErr is written by the Wait goroutine before exited is closed and
	// must only be read after <-exited.
	waitErr error
	exited  chan struct{}

	termOnce sync.Once
	termErr  error
}

// Start launches cmd as the leader of a new process group and starts the
// single goroutine that reaps it.
//
// Spawn failures wrap ErrLaunch. cmd.SysProcAttr is overwritten.
func Start(cmd *exec.Cmd, opts StartOptions) (*Group, error) {
	if cmd == nil {
		return nil, ErrNilCmd
	}
	if cmd.Path == "" {
		return nil, ErrEmptyCmdPath
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(cmd.Path)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	configureSysProcAttr(cmd)
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = outputWaitDelay
	}

	// release frees the spawning thread once the leader is reaped.
	release := make(chan struct{})
	var logFiles LogFiles
	err := spawn(func() error {
		if opts.LogDir != "" {
			lf, err := startCaptured(cmd, opts.LogDir, name)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrLaunch, err)
			}
			logFiles = lf
			return nil
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: start %s process: %w", ErrLaunch, name, err)
		}
		return nil
	}, release)
	if err != nil {
		close(release)
		return nil, err
	}

	pid := cmd.Process.Pid
	// With Setpgid the kernel makes pgid == pid before exec. Getpgid only
	// fails if the leader already exited, which still leaves pid as the group.
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	if pgid != pid {
		_ = cmd.Process.Kill() // best-effort; we refuse to supervise a foreign group
		_ = cmd.Wait()
		close(release)
		logFiles.Close()
		return nil, fmt.Errorf("%w: %s (pid %d) joined process group %d instead of leading its own",
			ErrLaunch, name, pid, pgid)
	}

	g := &Group{
		cmd:      cmd,
		name:     name,
		pgid:     pgid,
		log:      log,
		logFiles: logFiles,
		exited:   make(chan struct{}),
	}
	// cmd.Wait must be called exactly once per started process.
	go func() {
		g.waitErr = cmd.Wait()
		close(g.exited)
		close(release)
	}()

	log.Debug("program started", "process", name, "pid", pid, "pgid", pgid)
	return g, nil
}

// Pid returns the leader's process id.
func (g *Group) Pid() int {
	return g.cmd.Process.Pid
}

// Pgid returns the process group id recorded at spawn time. It always equals Pid.
func (g *Group) Pgid() int {
	return g.pgid
}

// Exited returns a channel that is closed once the leader has exited and been
// reaped. Descendants may outlive it.
func (g *Group) Exited() <-chan struct{} {
	return g.exited
}

// ExitErr returns the leader's cmd.Wait result, or nil while it is running.
func (g *Group) ExitErr() error {
	select {
	case <-g.exited:
		return g.waitErr
	default:
		return nil
	}
}

// LogFiles returns the captured output files. Paths are empty when no log
// directory was configured.
func (g *Group) LogFiles() *LogFiles {
	return &g.logFiles
}

// Alive reports whether the leader or any non-zombie member of its group is
// still running.
func (g *Group) Alive() bool {
	return !g.gone()
}

// Terminate sends SIGTERM to the whole process group, waits up to grace for
// every member to exit, and sends SIGKILL to the group if any remain. A
// non-positive grace uses DefaultGracePeriod.
//
// Terminate runs once; later calls return the first result. Members that are
// already gone are not an error. The returned error means the group could not
// be confirmed gone and processes may be orphaned.
func (g *Group) Terminate(grace time.Duration) error {
	g.termOnce.Do(func() {
		g.termErr = g.terminate(grace)
		g.logFiles.Close()
	})
	return g.termErr
}

func (g *Group) terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := signalGroup(g.pgid, syscall.SIGTERM); err != nil {
		g.log.Warn("SIGTERM to process group failed", "process", g.name, "pgid", g.pgid, "error", err)
	}
	if g.waitGone(grace) {
		g.logExit()
		return nil
	}

	g.log.Info("process group still running after grace period; sending SIGKILL",
		"process", g.name, "pgid", g.pgid, "grace", grace)
	if err := signalGroup(g.pgid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("%s: kill process group %d: %w", g.name, g.pgid, err)
	}
	if !g.waitGone(killDrainTimeout) {
		return fmt.Errorf("%s: process group %d still running %s after SIGKILL",
			g.name, g.pgid, killDrainTimeout)
	}
	g.logExit()
	return nil
}

// waitGone polls until the leader is reaped and no live member of the group
// remains, or timeout elapses. It reports whether the group is gone.
func (g *Group) waitGone(timeout time.Duration) bool {
	err := wait.PollUntilContextTimeout(context.Background(), groupPollInterval, timeout, true,
		func(context.Context) (bool, error) {
			return g.gone(), nil
		})
	return err == nil
}

func (g *Group) gone() bool {
	select {
	case <-g.exited:
	default:
		return false
	}
	return !groupAlive(g.pgid)
}

func (g *Group) logExit() {
	if err := expectSignalExit(g.ExitErr(), g.name); err != nil {
		g.log.Debug("program exited with unexpected status", "process", g.name, "error", err)
		return
	}
	g.log.Debug("process group terminated", "process", g.name, "pgid", g.pgid)
}

// signalGroup sends sig to every member of group pgid. A group with no
// members left is not an error.
func signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// anyMember reports whether group pgid has at least one process, zombies
// included. EPERM means a member exists that we may not signal.
func anyMember(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Gone reports whether pid no longer names a running process. A zombie
// awaiting a reaper that may never come counts as gone.
func Gone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	return zombie(pid)
}
