//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr makes the child the leader of a new process group.
// Pdeathsig is Linux-only, so nothing else is set here.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// spawn runs start on the calling goroutine; without Pdeathsig the forking
// thread does not matter.
func spawn(start func() error, _ <-chan struct{}) error {
	return start()
}
