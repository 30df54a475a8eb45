// Package fileutil provides directory helpers: creating the optional child
// log directory and locating the Go module root that launched programs run in.
package fileutil
