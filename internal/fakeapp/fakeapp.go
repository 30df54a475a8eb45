//go:build unix

package fakeapp

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Exit codes returned by Main.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// errExitBeforeReady carries the configured exit code out of run.
type errExitBeforeReady struct{ code int }

func (e errExitBeforeReady) Error() string {
	return fmt.Sprintf("exiting with code %d before readiness as configured", e.code)
}

// Main runs the fake program with the given arguments (without the program
// name) and returns its exit code. It returns once ctx is canceled or SIGINT
// or SIGTERM arrives.
//
// Arguments follow the launched-program contract: -config FILE and an
// optional --verbose.
func Main(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("fakeapp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "configuration file")
	verbose := fs.Bool("verbose", false, "emit extra logging")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.ErrorContext(ctx, "Fatal error", "error", err)
		return ExitError
	}

	err = run(ctx, cfg, *configPath, *verbose, args, log)
	var early errExitBeforeReady
	switch {
	case errors.As(err, &early):
		log.InfoContext(ctx, early.Error())
		return early.code
	case err != nil:
		log.ErrorContext(ctx, "Fatal error", "error", err)
		return ExitError
	}
	return ExitOK
}

func run(ctx context.Context, cfg Config, configPath string, verbose bool, args []string, log *slog.Logger) error {
	signals := []os.Signal{os.Interrupt}
	if cfg.IgnoreTerm {
		// Registering SIGTERM with NotifyContext would undo the ignore.
		signal.Ignore(syscall.SIGTERM)
	} else {
		signals = append(signals, syscall.SIGTERM)
	}
	ctx, cancel := signal.NotifyContext(ctx, signals...)
	defer cancel()

	delay, err := cfg.readyDelay()
	if err != nil {
		return err
	}

	info := Info{
		PID:          os.Getpid(),
		PGID:         syscall.Getpgrp(),
		NotifySocket: os.Getenv("NOTIFY_SOCKET"),
		ConfigFile:   configPath,
		Verbose:      verbose,
		Args:         args,
	}
	if wd, err := os.Getwd(); err == nil {
		info.Dir = wd
	}

	if cfg.SpawnChild {
		child := exec.Command("sleep", "1000")
		if err := child.Start(); err != nil {
			return fmt.Errorf("start helper: %w", err)
		}
		defer func() {
			_ = child.Process.Kill() // may already be gone with the group
			_ = child.Wait()
		}()
		info.ChildPID = child.Process.Pid
		log.DebugContext(ctx, "helper started", "pid", info.ChildPID)
	}

	if cfg.ListenEnv != "" {
		ln, err := listen(os.Getenv(cfg.ListenEnv))
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.ListenEnv, err)
		}
		defer ln.Close()
		go serve(ln)
		info.ListenAddr = ln.Addr().String()
		log.DebugContext(ctx, "listening", "addr", info.ListenAddr)
	}

	if cfg.InfoFile != "" {
		if err := WriteInfo(cfg.InfoFile, info); err != nil {
			return err
		}
	}

	if delay > 0 {
		log.DebugContext(ctx, "delaying readiness", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}

	if cfg.ExitBeforeReady {
		code := cfg.ExitCode
		if code == 0 {
			code = ExitError
		}
		return errExitBeforeReady{code: code}
	}

	if !cfg.SkipNotify {
		sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
		if err != nil {
			return fmt.Errorf("notify readiness: %w", err)
		}
		if !sent {
			log.WarnContext(ctx, "NOTIFY_SOCKET not set; readiness not reported")
		}
	}

	log.InfoContext(ctx, "started; press Ctrl+C to exit")
	<-ctx.Done()
	log.InfoContext(ctx, "shutting down...")
	return nil
}

func listen(port string) (net.Listener, error) {
	if port == "" {
		return nil, errors.New("port not set")
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

// serve greets each connection with "ok\n" and closes it.
func serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.WriteString(conn, "ok\n")
		_ = conn.Close()
	}
}
