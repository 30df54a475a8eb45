//go:build linux

package process

import (
	"os/exec"
	"runtime"
	"syscall"
)

// configureSysProcAttr makes the child the leader of a new process group.
// Pdeathsig delivers SIGTERM to the leader if the test binary dies abruptly,
// so an interrupted run does not leave the program behind.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// spawn runs start on an OS thread reserved until release is closed.
//
// The kernel sends Pdeathsig when the thread that forked the child exits, not
// when the process does. The runtime retires a thread whenever a goroutine
// locked to it returns, so an unpinned fork could kill the program mid-test.
// Pinning keeps the thread alive until the leader is reaped, which leaves
// the death of the test binary as the only trigger.
func spawn(start func() error, release <-chan struct{}) error {
	started := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		started <- start()
		<-release
	}()
	return <-started
}
