//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configurePlatform sets the process group so the whole tree can be
// signaled together, mirroring the provisr supervisor's Setpgid use.
func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// preflight has nothing to verify on Unix; library path resolution is
// entirely env-var driven.
func preflight(binDir string) error {
	return nil
}
