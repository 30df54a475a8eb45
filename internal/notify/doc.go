// Package notify implements the readiness side of the sd_notify protocol for
// test harnesses.
//
// Open binds an AF_UNIX datagram socket inside a freshly created temporary
// directory, so concurrent runs never share an address. The launched program
// learns the address through NOTIFY_SOCKET and sends one datagram once it is
// operational; Wait turns that datagram into a wakeup without polling.
package notify
