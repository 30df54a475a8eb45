// Package lock provides an exclusive, cross-process file lock used to
// serialize harness runs whose launched programs bind fixed resources such as
// a well-known TCP port.
package lock
