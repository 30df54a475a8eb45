//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/notifyenv/internal/fakeapp"
	"github.com/giantswarm/notifyenv/internal/lock"
	"github.com/giantswarm/notifyenv/internal/netutil"
	"github.com/giantswarm/notifyenv/internal/notify"
	"github.com/giantswarm/notifyenv/internal/process"
)

// fakeAppEnv makes the test binary behave as the launched program.
const fakeAppEnv = "NOTIFYENV_FAKEAPP"

func TestMain(m *testing.M) {
	if os.Getenv(fakeAppEnv) == "1" {
		os.Exit(fakeapp.Main(context.Background(), os.Args[1:], os.Stderr))
	}
	os.Exit(m.Run())
}

func TestRun_ReadyRunsBodyOnce(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "")
	states := recordStates(&cfg)

	var calls int
	var info fakeapp.Info
	err := Run(t.Context(), cfg, func(context.Context) error {
		calls++
		var err error
		info, err = fakeapp.ReadInfo(infoPath)
		if err != nil {
			return err
		}
		if syscall.Kill(info.PID, 0) != nil {
			return fmt.Errorf("program %d not running during body", info.PID)
		}
		if got := states.last(); got != StateTestRunning {
			return fmt.Errorf("state during body = %s, want %s", got, StateTestRunning)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("body ran %d times, want 1", calls)
	}

	want := []State{
		StateIdle, StateListenerOpen, StateChildSpawned, StateAwaitingReady,
		StateReady, StateTestRunning, StateTearingDown, StateDone,
	}
	if got := states.all(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	if info.PGID != info.PID {
		t.Errorf("program pgid = %d, want its own pid %d", info.PGID, info.PID)
	}
	if !filepath.IsAbs(info.NotifySocket) || filepath.Base(info.NotifySocket) != notify.SocketName {
		t.Errorf("NOTIFY_SOCKET = %q, want an absolute path to %s", info.NotifySocket, notify.SocketName)
	}
	if _, err := os.Stat(filepath.Dir(info.NotifySocket)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket directory still present after Run (stat error %v)", err)
	}
	wantArgs := []string{"-config", cfg.ConfigFile}
	if !slices.Equal(info.Args, wantArgs) {
		t.Errorf("program args = %v, want %v", info.Args, wantArgs)
	}
	if !sameDir(t, info.Dir, cfg.ProjectDir) {
		t.Errorf("program cwd = %q, want %q", info.Dir, cfg.ProjectDir)
	}
	assertGone(t, info.PID)
}

func TestRun_VerboseFlag(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "")
	cfg.Verbose = true

	err := Run(t.Context(), cfg, func(context.Context) error {
		info, err := fakeapp.ReadInfo(infoPath)
		if err != nil {
			return err
		}
		if !info.Verbose || !slices.Contains(info.Args, "--verbose") {
			return fmt.Errorf("program args = %v, want --verbose", info.Args)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestRun_ReadinessTimeout(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "skip_notify: true\n")
	cfg.ReadyTimeout = 300 * time.Millisecond
	states := recordStates(&cfg)

	called := false
	start := time.Now()
	err := Run(t.Context(), cfg, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, notify.ErrReadinessTimeout) {
		t.Fatalf("Run() error = %v, want ErrReadinessTimeout", err)
	}
	if called {
		t.Error("body ran although readiness never arrived")
	}
	if elapsed := time.Since(start); elapsed < cfg.ReadyTimeout {
		t.Errorf("Run() returned after %v, before the %v deadline", elapsed, cfg.ReadyTimeout)
	}

	want := []State{
		StateIdle, StateListenerOpen, StateChildSpawned, StateAwaitingReady,
		StateTimeout, StateTearingDown, StateDone,
	}
	if got := states.all(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.PID)
}

func TestRun_BodyErrorReturnedUnchanged(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "")
	states := recordStates(&cfg)
	bodyErr := errors.New("assertion failed: greeting mismatch")

	err := Run(t.Context(), cfg, func(context.Context) error {
		return bodyErr
	})
	if err != bodyErr { //nolint:errorlint // identity is the property under test
		t.Fatalf("Run() error = %v, want the body's error itself", err)
	}
	if got := states.last(); got != StateDone {
		t.Errorf("final state = %s, want %s", got, StateDone)
	}

	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.PID)
}

func TestRun_BodyPanicPropagatesAfterTeardown(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "")
	states := recordStates(&cfg)

	recovered := func() (r any) {
		defer func() { r = recover() }()
		_ = Run(t.Context(), cfg, func(context.Context) error {
			panic("boom")
		})
		return nil
	}()
	if recovered != "boom" {
		t.Fatalf("recovered %v, want the body's panic value", recovered)
	}
	if got := states.last(); got != StateDone {
		t.Errorf("final state = %s, want %s", got, StateDone)
	}

	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.PID)
}

func TestRun_BodyGoexitStillTearsDown(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "")
	states := recordStates(&cfg)

	// runtime.Goexit is what t.FailNow does inside a test body.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Run(context.Background(), cfg, func(context.Context) error {
			runtime.Goexit()
			return nil
		})
	}()
	<-done

	if got := states.last(); got != StateDone {
		t.Errorf("final state = %s, want %s", got, StateDone)
	}
	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.PID)
}

func TestRun_IgnoredSIGTERMEscalates(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "ignore_term: true\nspawn_child: true\n")
	cfg.GracePeriod = 300 * time.Millisecond

	var teardownStart time.Time
	err := Run(t.Context(), cfg, func(context.Context) error {
		teardownStart = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if elapsed := time.Since(teardownStart); elapsed < cfg.GracePeriod {
		t.Errorf("teardown took %v, want at least the %v grace period", elapsed, cfg.GracePeriod)
	}

	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.PID)
	assertGone(t, info.ChildPID)
}

func TestRun_KillsDescendants(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "spawn_child: true\n")

	err := Run(t.Context(), cfg, func(context.Context) error {
		info, err := fakeapp.ReadInfo(infoPath)
		if err != nil {
			return err
		}
		if info.ChildPID == 0 {
			return errors.New("program did not report its helper")
		}
		pgid, err := syscall.Getpgid(info.ChildPID)
		if err != nil {
			return fmt.Errorf("getpgid(%d): %w", info.ChildPID, err)
		}
		if pgid != info.PID {
			return fmt.Errorf("helper pgid = %d, want %d", pgid, info.PID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.ChildPID)
}

func TestRun_ProgramExitsBeforeReady(t *testing.T) {
	t.Parallel()

	cfg, _ := fakeConfig(t, "exit_before_ready: true\nexit_code: 4\n")
	cfg.ReadyTimeout = 30 * time.Second

	start := time.Now()
	err := Run(t.Context(), cfg, func(context.Context) error {
		t.Error("body ran for a program that exited")
		return nil
	})
	if !errors.Is(err, notify.ErrProcessExited) {
		t.Fatalf("Run() error = %v, want ErrProcessExited", err)
	}
	if !strings.Contains(err.Error(), "exit status 4") {
		t.Errorf("Run() error = %q, want it to include the exit status", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v, want a fast failure", elapsed)
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	t.Parallel()

	cfg, _ := fakeConfig(t, "")
	cfg.Command = []string{filepath.Join(t.TempDir(), "no-such-program")}
	cfg.TempDir = t.TempDir()
	states := recordStates(&cfg)

	err := Run(t.Context(), cfg, func(context.Context) error {
		t.Error("body ran although the launch failed")
		return nil
	})
	if !errors.Is(err, process.ErrLaunch) {
		t.Fatalf("Run() error = %v, want ErrLaunch", err)
	}

	want := []State{StateIdle, StateListenerOpen, StateTearingDown, StateDone}
	if got := states.all(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	assertEmptyDir(t, cfg.TempDir)
}

func TestRun_ChannelSetupFailure(t *testing.T) {
	t.Parallel()

	cfg, _ := fakeConfig(t, "")
	cfg.TempDir = filepath.Join(t.TempDir(), "missing")
	states := recordStates(&cfg)

	err := Run(t.Context(), cfg, func(context.Context) error { return nil })
	if !errors.Is(err, notify.ErrChannelSetup) {
		t.Fatalf("Run() error = %v, want ErrChannelSetup", err)
	}
	want := []State{StateIdle, StateTearingDown, StateDone}
	if got := states.all(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]func(c *Config) Body{
		"empty command": func(c *Config) Body {
			c.Command = nil
			return func(context.Context) error { return nil }
		},
		"relative config file": func(c *Config) Body {
			c.ConfigFile = "hello.yaml"
			return func(context.Context) error { return nil }
		},
		"nil body": func(*Config) Body {
			return nil
		},
	}

	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg, _ := fakeConfig(t, "")
			body := modify(&cfg)
			states := recordStates(&cfg)

			err := Run(t.Context(), cfg, body)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Run() error = %v, want ErrInvalidConfig", err)
			}
			if got := states.all(); len(got) != 0 {
				t.Errorf("states = %v, want none for a rejected config", got)
			}
		})
	}
}

func TestRun_ContextCanceledWhileWaiting(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "skip_notify: true\n")
	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()

	err := Run(ctx, cfg, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if errors.Is(err, notify.ErrReadinessTimeout) {
		t.Error("cancellation reported as a readiness timeout")
	}

	info, err := fakeapp.ReadInfo(infoPath)
	if err != nil {
		t.Fatalf("ReadInfo() error: %v", err)
	}
	assertGone(t, info.PID)
}

func TestRun_ConcurrentRunsAreIsolated(t *testing.T) {
	t.Parallel()

	const runs = 3
	infos := make([]fakeapp.Info, runs)
	release := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(runs)

	var g errgroup.Group
	for i := range runs {
		cfg, infoPath := fakeConfig(t, "")
		g.Go(func() error {
			return Run(t.Context(), cfg, func(context.Context) error {
				info, err := fakeapp.ReadInfo(infoPath)
				if err != nil {
					return err
				}
				infos[i] = info
				// Keep every program alive until all are ready.
				ready.Done()
				<-release
				return nil
			})
		})
	}
	ready.Wait()
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	sockets := map[string]bool{}
	pids := map[int]bool{}
	for _, info := range infos {
		sockets[info.NotifySocket] = true
		pids[info.PGID] = true
		assertGone(t, info.PID)
	}
	if len(sockets) != runs {
		t.Errorf("got %d distinct sockets for %d runs", len(sockets), runs)
	}
	if len(pids) != runs {
		t.Errorf("got %d distinct process groups for %d runs", len(pids), runs)
	}
}

func TestRun_HoldsExclusiveLock(t *testing.T) {
	t.Parallel()

	cfg, _ := fakeConfig(t, "")
	cfg.LockFile = lock.Path(t.TempDir(), "fixed-port")

	err := Run(t.Context(), cfg, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer cancel()
		l, err := lock.Acquire(ctx, cfg.LockFile, nil)
		if err == nil {
			l.Release()
			return errors.New("lock acquired while a run holds it")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	l, err := lock.Acquire(t.Context(), cfg.LockFile, nil)
	if err != nil {
		t.Fatalf("lock not released after Run: %v", err)
	}
	l.Release()
}

func TestRun_LogDirCapturesOutput(t *testing.T) {
	t.Parallel()

	cfg, _ := fakeConfig(t, "")
	cfg.LogDir = t.TempDir()

	if err := Run(t.Context(), cfg, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(cfg.LogDir, "*-stderr.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("stderr logs = %v (err %v), want exactly one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "shutting down") {
		t.Errorf("captured stderr = %q, want the program's shutdown log", data)
	}
}

func TestRun_AllocatesPorts(t *testing.T) {
	t.Parallel()

	cfg, infoPath := fakeConfig(t, "listen_env: HTTP_PORT\n")
	cfg.PortEnv = []string{"HTTP_PORT", "ADMIN_PORT"}
	cfg.Ports = netutil.NewPortRegistry(nil)

	var ports map[string]int
	err := Run(t.Context(), cfg, func(ctx context.Context) error {
		ports = Ports(ctx)
		info, err := fakeapp.ReadInfo(infoPath)
		if err != nil {
			return err
		}
		want := net.JoinHostPort("127.0.0.1", strconv.Itoa(ports["HTTP_PORT"]))
		if info.ListenAddr != want {
			return fmt.Errorf("program listens on %q, want %q", info.ListenAddr, want)
		}
		conn, err := net.DialTimeout("tcp", want, 5*time.Second)
		if err != nil {
			return fmt.Errorf("dial program: %w", err)
		}
		defer conn.Close()
		reply, err := io.ReadAll(conn)
		if err != nil || string(reply) != "ok\n" {
			return fmt.Errorf("program reply = %q (err %v), want ok", reply, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(ports) != 2 || ports["HTTP_PORT"] == ports["ADMIN_PORT"] {
		t.Fatalf("Ports() = %v, want two distinct ports", ports)
	}
	// Released after teardown, so the same registry can hand them out again.
	again, err := cfg.Ports.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate() after Run: %v", err)
	}
	cfg.Ports.Release(again...)
	if Ports(t.Context()) != nil {
		t.Error("Ports() outside a body should be nil")
	}
}

func TestRun_PortEnvWithoutListenerFailsStartup(t *testing.T) {
	t.Parallel()

	// The program requires a port the run did not allocate.
	cfg, _ := fakeConfig(t, "listen_env: MISSING_PORT\n")
	err := Run(t.Context(), cfg, func(context.Context) error {
		t.Error("body ran for a program that exited")
		return nil
	})
	if !errors.Is(err, notify.ErrProcessExited) {
		t.Fatalf("Run() error = %v, want ErrProcessExited", err)
	}
}

// fakeConfig writes a fake program config with the given YAML behavior and an
// info_file, and returns a Config that launches the test binary as the program.
func fakeConfig(t *testing.T, behavior string) (Config, string) {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "info.yaml")
	configPath := filepath.Join(dir, "config.yaml")
	content := behavior + "info_file: " + infoPath + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var stderr strings.Builder
	var mu sync.Mutex
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		if t.Failed() && stderr.Len() > 0 {
			t.Logf("program stderr:\n%s", stderr.String())
		}
	})

	return Config{
		Command:      []string{exe},
		ProjectDir:   t.TempDir(),
		ConfigFile:   configPath,
		ReadyTimeout: 30 * time.Second,
		GracePeriod:  5 * time.Second,
		Env:          []string{fakeAppEnv + "=1"},
		Stdout:       &lockedWriter{mu: &mu, w: &stderr},
		Stderr:       &lockedWriter{mu: &mu, w: &stderr},
	}, infoPath
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *strings.Builder
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) all() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.states)
}

func (s *stateLog) last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return State(-1)
	}
	return s.states[len(s.states)-1]
}

func recordStates(cfg *Config) *stateLog {
	s := &stateLog{}
	cfg.Observer = func(st State) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.states = append(s.states, st)
	}
	return s
}

// assertGone fails if pid still names a running process. A zombie waiting for
// an init that never reaps it counts as gone.
func assertGone(t *testing.T, pid int) {
	t.Helper()
	if pid == 0 {
		t.Error("no pid recorded")
		return
	}
	if !process.Gone(pid) {
		t.Errorf("process %d still running", pid)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("%s has %d entries, want none", dir, len(entries))
	}
}

func sameDir(t *testing.T, a, b string) bool {
	t.Helper()
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ra == rb
}
