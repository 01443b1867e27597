package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skiffapp/skiff/internal/schema"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage-collect unreferenced attachments",
	Long: `Delete locally stored attachment blobs that no live record
references and persist the pruned attachment index.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx := cmd.Context()

		var live []*schema.Record
		for _, table := range schema.Tables {
			all, err := a.store.GetAll(ctx, string(table))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", table, err)
				os.Exit(1)
			}
			for key, data := range all {
				rec, derr := schema.DecodeRecord(data)
				if derr != nil {
					fmt.Fprintf(os.Stderr, "Warning: skipping undecodable record %s/%s: %v\n", table, key, derr)
					continue
				}
				live = append(live, rec)
			}
		}

		removed, err := a.vault.GC(ctx, live)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during gc: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %d unreferenced attachments\n", removed)
	},
}
