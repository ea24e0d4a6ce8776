//go:build windows

package acpsession

import "os"

// interruptSignal is the graceful-shutdown signal sent before SIGKILL.
// Windows has no SIGTERM; os.Interrupt is the closest portable signal,
// though most Windows agent processes will simply ignore it until the
// later force-kill.
func interruptSignal() os.Signal {
	return os.Interrupt
}
