package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skiffapp/skiff/internal/daemon"
	"github.com/skiffapp/skiff/internal/engine"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch connectivity and sync on reconnect",
	Long: `Run the connectivity daemon.

The platform shell writes the current connectivity mode ("online",
"offline", "checking") into the state file; the daemon watches it and
flushes the outbox on every offline to online transition. Stop with
Ctrl-C.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		cfg := daemon.DefaultConfig()
		cfg.StatePath = a.cfg.StatePath()
		cfg.RetryDelays = a.cfg.RetryDelays
		cfg.Owner = a.cfg.Owner
		cfg.Logger = a.logger
		cfg.Notify = func(result *engine.Result) {
			fmt.Printf("Synced: applied=%d pending=%d failed=%d\n",
				len(result.Applied), len(result.Pending), len(result.FailedPermanently))
			for _, notice := range result.Notices {
				fmt.Printf("Notice: %s\n", notice)
			}
		}

		d, err := daemon.New(a.engine, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Watching %s (Ctrl-C to stop)\n", cfg.StatePath)
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}
