//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/giantswarm/notifyenv/internal/lock"
	"github.com/giantswarm/notifyenv/internal/netutil"
	"github.com/giantswarm/notifyenv/internal/notify"
	"github.com/giantswarm/notifyenv/internal/process"
	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// ErrPorts is returned when PortEnv ports could not be allocated.
const ErrPorts = sentinel.Error("port allocation failed")

// Body is the test logic run once the program is ready. Its error is returned
// by Run unchanged.
type Body func(ctx context.Context) error

// run holds the resources owned by one Run invocation. Fields are set as each
// resource is acquired and released together by teardown.
type run struct {
	cfg      Config
	log      *slog.Logger
	lock     *lock.Lock
	listener *notify.Listener
	group    *process.Group
	registry *netutil.PortRegistry
	ports    map[string]int
}

// Run launches the program described by cfg, waits for it to signal
// readiness, calls body exactly once, and tears the program's whole process
// group down before returning.
//
// Errors before the body runs wrap one of ErrInvalidConfig, lock.ErrLock,
// ErrPorts, notify.ErrChannelSetup, process.ErrLaunch, notify.ErrReadinessTimeout,
// notify.ErrProcessExited, or the context error. The body's error is returned
// as is. Teardown always completes before Run returns, including when body
// panics or calls runtime.Goexit; teardown problems are logged, never
// returned.
func Run(ctx context.Context, cfg Config, body Body) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if body == nil {
		return fmt.Errorf("%w: body must not be nil", ErrInvalidConfig)
	}

	r := &run{
		cfg: cfg,
		log: cfg.logger().With("program", cfg.name(), "config", filepath.Base(cfg.ConfigFile)),
	}
	r.transition(StateIdle)
	defer r.teardown()

	if err := r.start(ctx); err != nil {
		return err
	}

	r.transition(StateTestRunning)
	if r.ports != nil {
		ctx = context.WithValue(ctx, portsKey{}, r.ports)
	}
	return body(ctx)
}

// start brings the program up to the ready state.
func (r *run) start(ctx context.Context) error {
	if r.cfg.LockFile != "" {
		l, err := lock.Acquire(ctx, r.cfg.LockFile, r.log)
		if err != nil {
			return err
		}
		r.lock = l
	}

	l, err := notify.Open(notify.Options{Dir: r.cfg.TempDir, Prefix: r.cfg.TempDirPrefix, Logger: r.log})
	if err != nil {
		return err
	}
	r.listener = l
	r.transition(StateListenerOpen)

	if err := r.allocatePorts(); err != nil {
		return err
	}

	// Not CommandContext: cancellation would SIGKILL the leader alone and
	// skip the group-wide teardown.
	cmd := exec.Command(r.cfg.Command[0], r.cfg.Args()...)
	cmd.Dir = r.cfg.ProjectDir
	cmd.Env = r.cfg.environ(l.Addr(), r.ports)
	cmd.Stdout = r.cfg.stdout()
	cmd.Stderr = r.cfg.stderr()

	started := time.Now()
	g, err := process.Start(cmd, process.StartOptions{
		Name:   r.cfg.name() + "-" + filepath.Base(l.Dir()),
		LogDir: r.cfg.LogDir,
		Logger: r.log,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", r.cfg.name(), err)
	}
	r.group = g
	r.log = r.log.With("pid", g.Pid())
	r.transition(StateChildSpawned)

	r.transition(StateAwaitingReady)
	if err := l.Wait(ctx, r.cfg.ReadyTimeout, g.Exited()); err != nil {
		switch {
		case errors.Is(err, notify.ErrReadinessTimeout):
			r.transition(StateTimeout)
			r.log.Info("program did not signal readiness", "timeout", r.cfg.ReadyTimeout)
		case errors.Is(err, notify.ErrProcessExited):
			err = fmt.Errorf("%w: %s", err, describeExit(g.ExitErr()))
		}
		return fmt.Errorf("%s -config %s: %w", r.cfg.name(), r.cfg.ConfigFile, err)
	}

	r.transition(StateReady)
	r.log.Info("program ready", "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// teardown terminates the process group, releases its ports, closes the
// listener, and releases the lock, in that order. Each step tolerates its
// resource being absent.
func (r *run) teardown() {
	r.transition(StateTearingDown)

	if r.group != nil {
		if err := r.group.Terminate(r.cfg.GracePeriod); err != nil {
			r.log.Warn("process group may be orphaned", "pgid", r.group.Pgid(), "error", err)
		}
	}
	r.releasePorts()
	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			r.log.Debug("failed to close readiness listener", "error", err)
		}
	}
	r.lock.Release()

	r.transition(StateDone)
}

// allocatePorts reserves one port per PortEnv name.
func (r *run) allocatePorts() error {
	if len(r.cfg.PortEnv) == 0 {
		return nil
	}
	reg := r.cfg.registry()
	ports, err := reg.Allocate(len(r.cfg.PortEnv))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPorts, err)
	}
	r.registry = reg
	r.ports = make(map[string]int, len(ports))
	for i, name := range r.cfg.PortEnv {
		r.ports[name] = ports[i]
	}
	r.log.Debug("allocated ports", "ports", r.ports)
	return nil
}

// releasePorts returns the run's ports to the registry. The program must
// already be gone.
func (r *run) releasePorts() {
	if r.registry == nil {
		return
	}
	for _, p := range r.ports {
		r.registry.Release(p)
	}
}

func (r *run) transition(s State) {
	r.log.Debug("state", "state", s.String())
	if r.cfg.Observer != nil {
		r.cfg.Observer(s)
	}
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
