//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the solver in its own process group so that a
// kill reaches any helpers it spawns.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the process group of cmd.
func killTree(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func executableMode(fi os.FileInfo) bool { return fi.Mode()&0o111 != 0 }

func candidates(path string) []string { return []string{path} }
