//go:build unix

// Command fakeapp is a configurable long-running program that reports
// readiness over NOTIFY_SOCKET. It exists to exercise notifyenv end to end.
//
// Usage:
//
//	go run ./cmd/fakeapp -config behavior.yaml [--verbose]
package main

import (
	"context"
	"os"

	"github.com/giantswarm/notifyenv/internal/fakeapp"
)

func main() {
	os.Exit(fakeapp.Main(context.Background(), os.Args[1:], os.Stderr))
}
