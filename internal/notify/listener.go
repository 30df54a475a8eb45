//go:build unix

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// Sentinel errors returned by Open and Wait. Callers match them with
// errors.Is through wrapped chains.
const (
	// ErrChannelSetup indicates the readiness socket could not be prepared:
	// the temporary directory could not be created or the bind failed.
	ErrChannelSetup = sentinel.Error("readiness channel setup failed")

	// ErrReadinessTimeout indicates no readiness datagram arrived before the
	// deadline. The program is considered to have failed to start.
	ErrReadinessTimeout = sentinel.Error("program did not signal readiness before the deadline")

	// ErrProcessExited indicates the program exited before signaling readiness.
	ErrProcessExited = sentinel.Error("program exited before signaling readiness")

	// ErrTimeoutNotPositive indicates a non-positive readiness timeout.
	ErrTimeoutNotPositive = sentinel.Error("timeout must be positive")
)

// SocketName is the file name of the readiness socket inside the listener's
// temporary directory.
const SocketName = "sd-notify.sock"

// DefaultPrefix is the temporary directory name prefix used when Options.Prefix
// is empty.
const DefaultPrefix = "notifyenv-"

// maxDatagramSize bounds a single read. sd_notify messages are short
// newline-separated assignments such as "READY=1".
const maxDatagramSize = 4096

// Options configures Open.
type Options struct {
	// Dir is the parent of the per-run temporary directory. Empty means
	// os.TempDir().
	Dir string
	// Prefix is the temporary directory name prefix. Empty means DefaultPrefix.
	Prefix string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Listener is a single-use readiness endpoint. Only the first datagram
// matters; later ones are counted and logged.
//
// Wait and the accessors are safe for concurrent use. Close may be called any
// number of times from any goroutine.
type Listener struct {
	conn *net.UnixConn
	raw  syscall.RawConn
	dir  string
	addr string
	log  *slog.Logger

	// mu serializes dequeuing so a datagram is never between the kernel
	// buffer and ready while Wait decides.
	mu  sync.Mutex
	buf []byte

	ready      chan struct{} // closed on the first datagram
	readerDone chan struct{} // closed when readLoop returns
	received   atomic.Int64
	payload    atomic.Pointer[string]

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates a uniquely named temporary directory and binds a datagram
// socket at <dir>/sd-notify.sock. Every failure wraps ErrChannelSetup and
// leaves nothing behind on disk.
func Open(opts Options) (*Listener, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	dir, err := os.MkdirTemp(opts.Dir, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %w", ErrChannelSetup, err)
	}
	addr := filepath.Join(dir, SocketName)

	// The kernel rejects paths that do not fit sun_path with a bare EINVAL.
	var sa syscall.RawSockaddrUnix
	if len(addr) >= len(sa.Path) {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: socket path %s is %d bytes, limit is %d",
			ErrChannelSetup, addr, len(addr), len(sa.Path)-1)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: bind %s: %w", ErrChannelSetup, addr, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelSetup, addr, err)
	}

	l := &Listener{
		conn:       conn,
		raw:        raw,
		buf:        make([]byte, maxDatagramSize),
		dir:        dir,
		addr:       addr,
		log:        log,
		ready:      make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go l.readLoop()

	log.Debug("readiness listener open", "addr", addr)
	return l, nil
}

// readLoop receives datagrams until the socket is closed. It blocks in the
// poller until the socket is readable and then drains it.
func (l *Listener) readLoop() {
	defer close(l.readerDone)

	var readErr error
	for {
		err := l.raw.Read(func(fd uintptr) bool {
			n, err := l.drain(int(fd))
			if err != nil {
				readErr = err
				return true
			}
			return n > 0
		})
		if err == nil {
			err = readErr
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Debug("readiness listener read failed", "addr", l.addr, "error", err)
			}
			return
		}
	}
}

// drain dequeues every datagram waiting on fd without blocking and records
// it. It returns how many it dequeued.
func (l *Listener) drain(fd int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for {
		size, err := unix.Read(fd, l.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return n, nil
		case err != nil:
			return n, err
		}
		n++
		l.record(string(l.buf[:size]))
	}
}

func (l *Listener) record(msg string) {
	count := l.received.Add(1)
	if count == 1 {
		l.payload.Store(&msg)
		close(l.ready)
	}
	l.log.Debug("readiness datagram received", "addr", l.addr, "count", count, "payload", msg)
}

// drainQueued picks up datagrams the read loop has not dequeued yet.
func (l *Listener) drainQueued() {
	var err error
	ctrlErr := l.raw.Control(func(fd uintptr) {
		_, err = l.drain(int(fd))
	})
	if err == nil {
		err = ctrlErr
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.Debug("readiness listener drain failed", "addr", l.addr, "error", err)
	}
}

// Addr returns the filesystem path of the socket, suitable for NOTIFY_SOCKET.
func (l *Listener) Addr() string {
	return l.addr
}

// Dir returns the temporary directory that holds the socket.
func (l *Listener) Dir() string {
	return l.dir
}

// Ready returns a channel that is closed when the first datagram arrives.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Received returns the number of datagrams received so far.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

// Payload returns the content of the first datagram, or "" if none arrived.
func (l *Listener) Payload() string {
	if p := l.payload.Load(); p != nil {
		return *p
	}
	return ""
}

// Wait blocks until the first datagram arrives, timeout elapses, exited is
// closed, or ctx is done.
//
// It returns nil on receipt, ErrReadinessTimeout when the deadline passes,
// ErrProcessExited when exited closes first, and ctx.Err() on cancellation.
// A nil exited channel is never selected. Wait does not retry: a timeout is a
// startup failure.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration, exited <-chan struct{}) error {
	if timeout <= 0 {
		return fmt.Errorf("wait for readiness: %w", ErrTimeoutNotPositive)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ready:
		return nil
	case <-exited:
		// A program may notify and then exit; the datagram still counts,
		// even when it is still queued on the socket.
		l.drainQueued()
		select {
		case <-l.ready:
			return nil
		default:
		}
		return ErrProcessExited
	case <-timer.C:
		return fmt.Errorf("%w (waited %s on %s)", ErrReadinessTimeout, timeout, l.addr)
	case <-ctx.Done():
		return fmt.Errorf("wait for readiness: %w", ctx.Err())
	}
}

// Close releases the socket and removes the temporary directory. Only the
// first call does work and may return an error; later calls return nil.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		var errs []error
		if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
		<-l.readerDone
		if err := os.RemoveAll(l.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", l.dir, err))
		}
		err = errors.Join(errs...)
		l.log.Debug("readiness listener closed", "addr", l.addr, "received", l.received.Load())
	})
	return err
}

// Closed reports whether Close has been called.
func (l *Listener) Closed() bool {
	return l.closed.Load()
}
