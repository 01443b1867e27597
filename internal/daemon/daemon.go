// Package daemon watches the connectivity state file and triggers a
// sync flush on offline to online transitions.
//
// The sync engine never polls for connectivity on its own; the platform
// shell owns the signal and writes the current mode ("online",
// "offline", "checking") into a state file. The daemon watches that
// file, debounces rapid rewrites, and invokes the flusher exactly on
// transitions into the online state.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skiffapp/skiff/internal/engine"
	"github.com/skiffapp/skiff/internal/schema"
)

// Flusher is the sync entry point the daemon triggers. Satisfied by
// *engine.Engine.
type Flusher interface {
	Flush(ctx context.Context, opts engine.Options) (*engine.Result, error)
}

// Config holds daemon configuration.
type Config struct {
	// StatePath is the connectivity state file written by the platform
	// shell. Its contents are a single mode token.
	StatePath string

	// DebounceInterval batches rapid rewrites of the state file.
	DebounceInterval time.Duration

	// RetryDelays is the backoff schedule handed to every flush.
	RetryDelays []time.Duration

	// Owner is passed through as the flush owner override.
	Owner string

	// Notify, if set, receives each flush result for the UI layer
	// (toasts, badges). Called from the daemon goroutine.
	Notify func(*engine.Result)

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		RetryDelays:      []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second},
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon owns the watch loop.
type Daemon struct {
	flusher Flusher
	config  *Config

	watcher *fsnotify.Watcher
	mode    schema.ConnectivityMode

	dirtyMu sync.Mutex
	dirtyAt time.Time
	dirty   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The state file's directory must exist; the file
// itself may appear later.
func New(flusher Flusher, config *Config) (*Daemon, error) {
	if flusher == nil {
		return nil, fmt.Errorf("flusher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.StatePath == "" {
		return nil, fmt.Errorf("state path cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		flusher: flusher,
		config:  config,
		watcher: watcher,
		mode:    schema.Checking,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins watching. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("watching connectivity state at %s", d.config.StatePath)

	// Watch the parent directory: editors and shells replace state
	// files by rename, which a file-level watch would lose.
	if err := d.watcher.Add(filepath.Dir(d.config.StatePath)); err != nil {
		return fmt.Errorf("failed to watch state directory: %w", err)
	}

	d.mode = d.readMode()
	d.config.Logger.Printf("initial connectivity: %s", d.mode)
	if d.mode == schema.Online {
		d.triggerFlush()
	}

	d.wg.Add(2)
	go d.watchEvents()
	go d.processDirty()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("daemon stopped")
	return nil
}

// readMode parses the state file. A missing or torn file reads as
// checking, which never triggers a flush.
func (d *Daemon) readMode() schema.ConnectivityMode {
	raw, err := os.ReadFile(d.config.StatePath)
	if err != nil {
		return schema.Checking
	}
	return schema.ParseConnectivityMode(strings.TrimSpace(string(raw)))
}

func (d *Daemon) watchEvents() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.config.StatePath) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d.dirtyMu.Lock()
			d.dirty = true
			d.dirtyAt = time.Now()
			d.dirtyMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("watcher error: %v", err)
		}
	}
}

// processDirty applies debounced state changes.
func (d *Daemon) processDirty() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.dirtyMu.Lock()
			ready := d.dirty && time.Since(d.dirtyAt) >= d.config.DebounceInterval
			if ready {
				d.dirty = false
			}
			d.dirtyMu.Unlock()
			if !ready {
				continue
			}

			next := d.readMode()
			if next == d.mode {
				continue
			}
			d.config.Logger.Printf("connectivity: %s -> %s", d.mode, next)
			prev := d.mode
			d.mode = next

			if next == schema.Online && prev != schema.Online {
				d.triggerFlush()
			}
		}
	}
}

func (d *Daemon) triggerFlush() {
	result, err := d.flusher.Flush(d.ctx, engine.Options{
		RetryDelays:   d.config.RetryDelays,
		OwnerOverride: d.config.Owner,
	})
	if err != nil {
		d.config.Logger.Printf("flush failed: %v", err)
		return
	}
	if d.config.Notify != nil {
		d.config.Notify(result)
	}
}
