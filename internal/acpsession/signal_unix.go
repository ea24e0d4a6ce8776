//go:build unix

package acpsession

import (
	"os"
	"syscall"
)

// interruptSignal is the graceful-shutdown signal sent before SIGKILL.
func interruptSignal() os.Signal {
	return syscall.SIGTERM
}
