//go:build windows

package cli

import (
	"os"
	"os/exec"
	"syscall"
)

func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func terminateProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		// already gone
		return nil
	}
	return process.Kill()
}
