//go:build !windows

package cli

import (
	"errors"
	"os/exec"
	"syscall"
)

// detachProcess puts the child in its own process group so it outlives the CLI
// and ignores the terminal's Ctrl-C.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateProcess sends SIGTERM to the process group led by pid, which
// includes the browser's renderer and GPU helpers.
func terminateProcess(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
