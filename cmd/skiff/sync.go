package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skiffapp/skiff/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Flush pending mutations to the remote store",
	Long: `Drain the mutation outbox against the remote store.

Mutations are replayed in sequence order with last-write-wins conflict
resolution. Transient failures pause the flush and retry on the
configured backoff schedule; permanently rejected mutations are parked
for manual resolution without blocking the rest of the queue.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		start := time.Now()
		result, err := a.engine.Flush(cmd.Context(), engine.Options{
			RetryDelays:   a.cfg.RetryDelays,
			OwnerOverride: a.cfg.Owner,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Applied: %d\n", len(result.Applied))
		fmt.Printf("   Pending: %d\n", len(result.Pending))
		fmt.Printf("   Failed:  %d\n", len(result.FailedPermanently))
		for _, notice := range result.Notices {
			fmt.Printf("   Notice:  %s\n", notice)
		}
		if len(result.Pending) > 0 {
			os.Exit(2)
		}
	},
}
