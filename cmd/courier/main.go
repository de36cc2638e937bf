// Command courier delivers sequenced genomics data from the analysis
// cluster to its recipients: it stages project and sample files with
// checksums, transfers them with the configured backend and tracks delivery
// state in the status database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// An interrupt cancels the command context; in-flight deliveries roll
	// their samples back to NOT_DELIVERED before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
