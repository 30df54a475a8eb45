//go:build linux

package process

import (
	"github.com/prometheus/procfs"
)

// groupAlive reports whether any non-zombie process is still in group pgid.
//
// kill(-pgid, 0) succeeds while a zombie member remains, and zombies of
// descendants are reaped by whatever init the machine runs, which in
// containers may be nobody. Zombies hold no resources, so procfs is consulted
// to skip them.
func groupAlive(pgid int) bool {
	if !anyMember(pgid) {
		return false
	}
	procs, err := procfs.AllProcs()
	if err != nil {
		return true
	}
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue // exited while scanning
		}
		if stat.PGRP == pgid && !exitedState(stat.State) {
			return true
		}
	}
	return false
}

// zombie reports whether pid has exited but not been reaped. A pid procfs no
// longer lists counts as exited.
func zombie(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return true
	}
	stat, err := p.Stat()
	if err != nil {
		return true
	}
	return exitedState(stat.State)
}

// exitedState reports whether a /proc state letter is zombie or dead.
func exitedState(state string) bool {
	return state == "Z" || state == "X"
}
