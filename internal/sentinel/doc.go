// Package sentinel provides a string-backed error type that can be declared
// as a const.
//
// Every failure class the harness reports (listener setup, launch, readiness
// timeout, early exit) is a sentinel.Error wrapped with context, so callers
// separate "the program never came up" from "the test failed" with errors.Is.
package sentinel
