package supervisor

import (
	"context"
	"maps"
	"sync"

	"github.com/giantswarm/notifyenv/internal/netutil"
)

var sharedPorts = sync.OnceValue(func() *netutil.PortRegistry {
	return netutil.NewPortRegistry(Logger())
})

type portsKey struct{}

// Ports returns the ports allocated for the run whose body received ctx,
// keyed by environment variable name. It returns nil outside a body or when
// no ports were requested.
func Ports(ctx context.Context) map[string]int {
	ports, _ := ctx.Value(portsKey{}).(map[string]int)
	return maps.Clone(ports)
}
