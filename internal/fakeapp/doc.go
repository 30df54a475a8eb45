// Package fakeapp is a stand-in for a long-running program under test.
//
// It accepts the same command line as the programs the harness launches
// (-config FILE, --verbose), reads a YAML behavior description from the config
// file, and reports readiness through sd_notify. The behaviors cover the
// harness's failure modes: slow startup, never notifying, exiting early,
// ignoring SIGTERM, and forking a helper that must be reaped with the group.
package fakeapp
