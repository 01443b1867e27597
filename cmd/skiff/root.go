package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skiffapp/skiff/internal/config"
	"github.com/skiffapp/skiff/internal/engine"
	"github.com/skiffapp/skiff/internal/outbox"
	"github.com/skiffapp/skiff/internal/remote"
	"github.com/skiffapp/skiff/internal/store"
	"github.com/skiffapp/skiff/internal/vault"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Local-first sync core for the skiff productivity client",
	Long: `skiff manages the durable local store, the pending-mutation outbox,
and the sync engine that reconciles offline edits with the remote store
once connectivity returns.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: skiff.yaml in the data directory)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(gcCmd)
}

// app bundles the wired-up core for one command invocation.
type app struct {
	cfg    *config.Config
	store  *store.Store
	outbox *outbox.Outbox
	vault  *vault.Vault
	engine *engine.Engine
	logger *log.Logger
}

// openApp loads config and wires the core. Commands that talk to the
// remote require remote_url to be configured.
func openApp(needRemote bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	logger := log.New(out, "[skiff] ", log.LstdFlags)

	st := store.Open(store.Options{
		Path:         cfg.DBPath(),
		FallbackPath: cfg.FallbackPath(),
		Logger:       logger,
	})
	ob := outbox.Open(st, logger)
	vt := vault.New(st, vault.Options{
		QuotaBytes:     cfg.QuotaBytes,
		MaxAttachments: cfg.MaxAttachments,
		Logger:         logger,
	})

	a := &app{cfg: cfg, store: st, outbox: ob, vault: vt, logger: logger}

	if needRemote {
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("remote_url is not configured")
		}
		adapter := remote.NewHTTPAdapter(cfg.RemoteURL, nil)
		a.engine = engine.New(st, ob, adapter, engine.Config{
			FanOut: cfg.FanOut,
			Vacuum: vt.GC,
			Logger: logger,
		})
	}
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Printf("error closing store: %v", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
