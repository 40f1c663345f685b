//go:build !windows

package function

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttrs puts the child in its own process group so a timeout
// kills everything it started.
func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
