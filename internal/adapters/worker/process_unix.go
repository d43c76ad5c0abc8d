//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr puts the worker in its own process group so it can be
// signalled together with anything it spawns.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the worker's process group, waits for exited up
// to gracePeriod, then sends SIGKILL.
func terminate(cmd *exec.Cmd, exited <-chan struct{}, gracePeriod time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// already gone
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-exited:
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
