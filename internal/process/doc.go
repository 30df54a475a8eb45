// Package process launches a program as the leader of its own process group
// and tears the whole group down.
//
// Group records the group id at spawn time, reaps the leader from a single
// cmd.Wait goroutine, and escalates from SIGTERM to SIGKILL against the
// negative group id so helpers forked by wrappers such as `go run` die with
// the leader. LogFiles optionally captures the leader's stdout and stderr.
package process
