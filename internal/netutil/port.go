package netutil

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// maxPortRetries bounds attempts to find a port not already in the registry.
const maxPortRetries = 20

// ErrNoPorts is returned when Allocate is asked for fewer than one port.
const ErrNoPorts = sentinel.Error("port count must be at least 1")

// PortRegistry tracks ports currently handed out by this process. A port the
// kernel reports free may still be promised to a program that has not bound it
// yet; the registry keeps it from being handed out again until Release.
//
// The zero value is not usable; call NewPortRegistry.
type PortRegistry struct {
	mu    sync.Mutex
	ports map[int]struct{}
	log   *slog.Logger
}

// NewPortRegistry creates a new PortRegistry ready for use.
// If logger is nil, slog.Default() is used as a fallback.
func NewPortRegistry(logger *slog.Logger) *PortRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortRegistry{
		ports: make(map[int]struct{}),
		log:   logger,
	}
}

// reserve registers port. It returns false if the port is already taken.
func (r *PortRegistry) reserve(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ports[port]; ok {
		return false
	}
	r.ports[port] = struct{}{}
	return true
}

// Release removes ports from the registry so they can be handed out again.
// Unknown ports are ignored.
func (r *PortRegistry) Release(ports ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range ports {
		delete(r.ports, p)
	}
}

// listenFree asks the kernel for a free loopback port that is not in the
// registry. The port is registered and its listener is returned open.
func (r *PortRegistry) listenFree() (*net.TCPListener, int, error) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}

	for range maxPortRetries {
		l, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, 0, fmt.Errorf("listen on tcp address: %w", err)
		}
		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			_ = l.Close()
			return nil, 0, fmt.Errorf("unexpected address type: %T", l.Addr())
		}
		if r.reserve(tcpAddr.Port) {
			return l, tcpAddr.Port, nil
		}
		r.log.Debug("port already in registry, retrying", "port", tcpAddr.Port)
		_ = l.Close()
	}
	return nil, 0, fmt.Errorf("allocate unique port: exhausted %d attempts", maxPortRetries)
}

// Allocate returns n distinct free ports. All listeners are held open until
// the last port is found, then closed. On error no port stays registered.
// Callers must Release the ports once the program using them has exited.
func (r *PortRegistry) Allocate(n int) ([]int, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrNoPorts, n)
	}

	listeners := make([]*net.TCPListener, 0, n)
	ports := make([]int, 0, n)
	closeAll := func() {
		for i, l := range listeners {
			if err := l.Close(); err != nil {
				r.log.Warn("close listener after port allocation", "port", ports[i], "error", err)
			}
		}
	}

	for i := range n {
		l, p, err := r.listenFree()
		if err != nil {
			// Close before Release so no other caller can be handed a port
			// that is still bound here.
			closeAll()
			r.Release(ports...)
			return nil, fmt.Errorf("allocate port %d of %d: %w", i+1, n, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, p)
	}

	closeAll()
	return ports, nil
}
