//go:build !windows

package cryptogate

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the encryptor in its own process group so a
// context cancel kills the whole tree, not just the direct child.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
