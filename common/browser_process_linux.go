package common

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the browser die with the process that started it.
func killAfterParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
