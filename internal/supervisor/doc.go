// Package supervisor runs one test body against one launched program.
//
// Run opens a readiness listener, spawns the program as the leader of a new
// process group with NOTIFY_SOCKET pointing at the listener, waits for the
// first datagram, runs the body, and then tears everything down. Teardown is a
// single deferred step, so it also runs when the body fails, panics, or calls
// runtime.Goexit (as t.FailNow does).
package supervisor
