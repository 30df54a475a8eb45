package notifyenv

import (
	"context"

	"github.com/giantswarm/notifyenv/internal/supervisor"
)

// Port returns the port allocated under name by WithPortEnv for the run whose
// body received ctx.
func Port(ctx context.Context, name string) (int, bool) {
	p, ok := supervisor.Ports(ctx)[name]
	return p, ok
}

// Ports returns a copy of every port allocated for the run whose body
// received ctx, keyed by environment variable name. It is nil when the run
// requested none.
func Ports(ctx context.Context) map[string]int {
	return supervisor.Ports(ctx)
}
