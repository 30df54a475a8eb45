// Package netutil hands out free loopback TCP ports for launched programs.
//
// PortRegistry binds every requested port at once so the kernel cannot hand
// the same one out twice within a request, and remembers what it handed out
// so concurrent runs in one test binary never share a port until it is
// released.
package netutil
