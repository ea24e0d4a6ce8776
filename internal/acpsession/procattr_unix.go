//go:build unix

package acpsession

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent subprocess in its own process group so
// Close can kill its descendants together (agents that shell out to
// package managers or language servers leave orphans otherwise).
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup force-kills every process in pid's process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
