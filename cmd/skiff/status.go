package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skiffapp/skiff/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and outbox status",
	Long: `Display the state of the local-first core:

  - record counts per table
  - queued and permanently failed mutations
  - attachment usage against the quota`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx := cmd.Context()

		fmt.Printf("Data directory: %s\n\n", a.cfg.DataDir)
		for _, table := range schema.Tables {
			keys, err := a.store.Keys(ctx, string(table))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", table, err)
				os.Exit(1)
			}
			fmt.Printf("   %-10s %d records\n", table, len(keys))
		}

		pending, err := a.outbox.Pending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading outbox: %v\n", err)
			os.Exit(1)
		}
		failed, err := a.outbox.Failed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading failed mutations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nOutbox: %d pending, %d failed\n", pending, len(failed))
		for _, m := range failed {
			fmt.Printf("   #%d %s %s/%s (enqueued %s)\n",
				m.Sequence, m.Op, m.Table, m.PrimaryKey, m.EnqueuedAt.Format("2006-01-02 15:04"))
		}

		usage, count, err := a.vault.Usage(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading attachments: %v\n", err)
			os.Exit(1)
		}
		if a.cfg.QuotaBytes > 0 {
			fmt.Printf("\nAttachments: %d blobs, %d / %d bytes\n", count, usage, a.cfg.QuotaBytes)
		} else {
			fmt.Printf("\nAttachments: %d blobs, %d bytes\n", count, usage)
		}
	},
}
