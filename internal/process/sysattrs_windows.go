//go:build windows

package process

import (
	"os"
	"os/exec"
	"strings"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// killTree terminates the process; Windows has no process-group signal.
func killTree(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func executableMode(os.FileInfo) bool { return true }

func candidates(path string) []string {
	if strings.HasSuffix(strings.ToLower(path), ".exe") {
		return []string{path}
	}
	return []string{path + ".exe", path}
}
