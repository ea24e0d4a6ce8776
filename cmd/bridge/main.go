// Command bridge is the agent-acp-bridge's single entry point, grounded
// on the teacher's cmd/kandev unified binary: load configuration, start
// every enabled Service Adapter, and serve until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/larryhudson/agent-acp-bridge/internal/bootstrap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := bootstrap.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent-acp-bridge: %v\n", err)
		os.Exit(1)
	}
}
