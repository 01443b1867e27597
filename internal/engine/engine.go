// Package engine drains the mutation outbox against the remote adapter
// once connectivity returns.
//
// The replay protocol, in order of authority:
//
//  1. Outbox sequence order is the only ordering that matters.
//     Mutations sharing a primary key are applied strictly in sequence;
//     mutations on independent keys may be dispatched concurrently up
//     to a small fixed fan-out.
//  2. Conflicts resolve last-write-wins by updated_at. When the remote
//     copy is strictly newer than the mutation's enqueue-time snapshot,
//     the local mutation is dropped and the local cache refreshed from
//     the remote's version; otherwise the local side wins and the
//     mutation is retried.
//  3. A transient failure requeues its mutation at its original
//     sequence and pauses the whole flush; the configured retry delays
//     schedule the next attempt. A permanent failure moves only its own
//     mutation out of the replay path - one poison mutation never
//     blocks the rest of the queue.
//
// Flush never throws partial-failure errors: a partial flush is an
// expected outcome, reported through Result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skiffapp/skiff/internal/outbox"
	"github.com/skiffapp/skiff/internal/remote"
	"github.com/skiffapp/skiff/internal/schema"
	"github.com/skiffapp/skiff/internal/store"
)

// DefaultFanOut bounds concurrent remote calls across independent
// primary keys.
const DefaultFanOut = 4

// conflictNoticeThreshold is how many times the same record must lose a
// conflict before the drop is surfaced as a non-fatal notice.
const conflictNoticeThreshold = 3

// Options configures one Flush call.
type Options struct {
	// RetryDelays is the backoff schedule, e.g. [0, 2s, 10s, 30s]. Each
	// entry buys one drain attempt, with the entry's delay observed
	// before it; the schedule is capped at its last entry. Empty means
	// a single immediate attempt.
	RetryDelays []time.Duration

	// OwnerOverride forces the owner used for cache refreshes. Empty
	// means the owner is taken from the drained mutations.
	OwnerOverride string
}

// Result aggregates per-mutation outcomes of one flush.
type Result struct {
	// Applied were confirmed by the remote and removed from the outbox.
	// Mutations dropped in favor of a strictly newer remote copy are
	// counted here too: from the caller's view they are resolved.
	Applied []*schema.PendingMutation

	// Pending remain queued at their original sequence for the next
	// sync attempt.
	Pending []*schema.PendingMutation

	// FailedPermanently were rejected by the remote and moved out of
	// the replay path; they need external resolution.
	FailedPermanently []*schema.PendingMutation

	// OwnerID is the owner used for cache refreshes during this flush.
	OwnerID string

	// Notices are non-fatal, user-facing messages, currently emitted
	// when the same record repeatedly loses conflicts.
	Notices []string
}

// Vacuum is an optional hook run after cache refreshes with the full
// live record set, typically wired to the attachment vault's GC.
type Vacuum func(ctx context.Context, live []*schema.Record) (int, error)

// Config configures an Engine.
type Config struct {
	// FanOut bounds the worker pool for independent keys. Zero means
	// DefaultFanOut; fan-out is never unbounded.
	FanOut int

	// Vacuum, if set, runs after every flush that refreshed caches.
	Vacuum Vacuum

	Logger *log.Logger
}

// Engine replays pending mutations. Safe for concurrent use: a Flush
// started while another is in progress joins the in-flight run and
// returns its eventual result instead of starting a duplicate drain.
type Engine struct {
	store  *store.Store
	outbox *outbox.Outbox
	remote remote.Adapter
	fanOut int
	vacuum Vacuum
	logger *log.Logger

	flights singleflight.Group

	mu        sync.Mutex
	conflicts map[string]int // record ID -> consecutive lost conflicts
}

// New creates a sync engine.
func New(st *store.Store, ob *outbox.Outbox, adapter remote.Adapter, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	return &Engine{
		store:     st,
		outbox:    ob,
		remote:    adapter,
		fanOut:    fanOut,
		vacuum:    cfg.Vacuum,
		logger:    logger,
		conflicts: make(map[string]int),
	}
}

// Flush drains the outbox against the remote adapter.
//
// Cancellable: if ctx is cancelled mid-drain, in-flight remote calls
// complete or fail naturally but no new mutations are dispatched, and
// whatever remains undrained stays safely in the outbox.
func (e *Engine) Flush(ctx context.Context, opts Options) (*Result, error) {
	v, err, _ := e.flights.Do("flush", func() (any, error) {
		return e.flush(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (e *Engine) flush(ctx context.Context, opts Options) (*Result, error) {
	delays := opts.RetryDelays
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}

	result := &Result{OwnerID: opts.OwnerOverride}
	touched := make(map[schema.Table]bool)

	for attempt, delay := range delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return e.finish(ctx, result, touched)
			case <-time.After(delay):
			}
		}

		pass, err := e.drainOnce(ctx, opts.OwnerOverride)
		if err != nil {
			return nil, err
		}

		result.Applied = append(result.Applied, pass.applied...)
		result.FailedPermanently = append(result.FailedPermanently, pass.failed...)
		result.Notices = append(result.Notices, pass.notices...)
		if result.OwnerID == "" {
			result.OwnerID = pass.owner
		}
		for table := range pass.touched {
			touched[table] = true
		}

		if !pass.paused {
			break
		}
		e.logger.Printf("flush paused by transient failure (attempt %d/%d)", attempt+1, len(delays))
		if ctx.Err() != nil {
			break
		}
	}

	return e.finish(ctx, result, touched)
}

// finish collects the still-queued mutations, refreshes caches for
// touched tables, and runs the vacuum hook.
func (e *Engine) finish(ctx context.Context, result *Result, touched map[schema.Table]bool) (*Result, error) {
	remaining, err := e.outbox.Drain(ctx)
	if err != nil {
		e.logger.Printf("WARNING: failed to read remaining outbox entries: %v", err)
	} else {
		result.Pending = remaining
	}

	if len(touched) > 0 {
		e.refreshCaches(ctx, result.OwnerID, touched)
		e.runVacuum(ctx)
	}

	e.logger.Printf("flush complete: applied=%d pending=%d failed=%d",
		len(result.Applied), len(result.Pending), len(result.FailedPermanently))
	return result, nil
}

// passResult is the outcome of one drain attempt.
type passResult struct {
	applied []*schema.PendingMutation
	failed  []*schema.PendingMutation
	notices []string
	touched map[schema.Table]bool
	owner   string
	paused  bool
}

// drainOnce replays the queue once, fanning out across independent
// primary keys while keeping same-key mutations strictly sequential.
func (e *Engine) drainOnce(ctx context.Context, owner string) (*passResult, error) {
	muts, err := e.outbox.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to drain outbox: %w", err)
	}

	pass := &passResult{touched: make(map[schema.Table]bool), owner: owner}
	if len(muts) == 0 {
		return pass, nil
	}
	if pass.owner == "" {
		for _, m := range muts {
			if m.Payload != nil && m.Payload.OwnerID != "" {
				pass.owner = m.Payload.OwnerID
				break
			}
		}
	}

	// Group by primary key, preserving first-sequence order of groups
	// and sequence order within each group.
	var order []string
	groups := make(map[string][]*schema.PendingMutation)
	for _, m := range muts {
		key := string(m.Table) + "/" + m.PrimaryKey
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		paused bool
	)
	groupCh := make(chan []*schema.PendingMutation)

	workers := e.fanOut
	if workers > len(order) {
		workers = len(order)
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range groupCh {
				e.applyGroup(ctx, group, pass, &mu, &paused)
			}
		}()
	}

dispatch:
	for _, key := range order {
		mu.Lock()
		stop := paused
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break dispatch
		}
		select {
		case groupCh <- groups[key]:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(groupCh)
	wg.Wait()

	mu.Lock()
	pass.paused = paused
	mu.Unlock()
	return pass, nil
}

// applyGroup replays one primary key's mutations in sequence order.
func (e *Engine) applyGroup(ctx context.Context, group []*schema.PendingMutation, pass *passResult, mu *sync.Mutex, paused *bool) {
	for _, m := range group {
		mu.Lock()
		stop := *paused
		mu.Unlock()
		if stop || ctx.Err() != nil {
			return
		}

		outcome, notice := e.applyOne(ctx, m)

		mu.Lock()
		switch outcome {
		case outcomeApplied:
			pass.applied = append(pass.applied, m)
			pass.touched[m.Table] = true
		case outcomeFailed:
			pass.failed = append(pass.failed, m)
		case outcomeRequeued:
			// Stays in the outbox at its original sequence. Later
			// same-key mutations must not overtake it.
			mu.Unlock()
			return
		case outcomeTransient:
			*paused = true
			mu.Unlock()
			return
		}
		if notice != "" {
			pass.notices = append(pass.notices, notice)
		}
		mu.Unlock()
	}
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeRequeued
	outcomeFailed
	outcomeTransient
)

// applyOne sends a single mutation to the remote and settles its state.
func (e *Engine) applyOne(ctx context.Context, m *schema.PendingMutation) (outcome, string) {
	payload := m.Payload
	_, err := e.remote.Apply(ctx, m.Table, m.Op, payload)

	switch {
	case err == nil:
		e.clearConflict(m.PrimaryKey)
		if rerr := e.outbox.Remove(ctx, m.Sequence); rerr != nil {
			e.logger.Printf("WARNING: applied mutation %d could not be removed: %v", m.Sequence, rerr)
		}
		return outcomeApplied, ""

	case m.Op == schema.OpDelete && errors.Is(err, remote.ErrNotFound):
		// Idempotent delete: already gone remotely is success.
		e.clearConflict(m.PrimaryKey)
		if rerr := e.outbox.Remove(ctx, m.Sequence); rerr != nil {
			e.logger.Printf("WARNING: applied mutation %d could not be removed: %v", m.Sequence, rerr)
		}
		return outcomeApplied, ""

	case errors.Is(err, remote.ErrTransient):
		e.logger.Printf("transient failure on mutation %d (%s %s/%s): %v", m.Sequence, m.Op, m.Table, m.PrimaryKey, err)
		return outcomeTransient, ""

	case errors.Is(err, remote.ErrPermanent):
		e.logger.Printf("mutation %d permanently rejected: %v", m.Sequence, err)
		if ferr := e.outbox.MarkFailed(ctx, m); ferr != nil {
			e.logger.Printf("WARNING: failed to park rejected mutation %d: %v", m.Sequence, ferr)
		}
		return outcomeFailed, ""

	default:
		var conflict *remote.ConflictError
		if errors.As(err, &conflict) {
			return e.resolveConflict(ctx, m, conflict)
		}
		// Unclassified adapter errors are treated as transient so no
		// local data is ever discarded on an unknown failure.
		e.logger.Printf("unclassified failure on mutation %d, treating as transient: %v", m.Sequence, err)
		return outcomeTransient, ""
	}
}

// resolveConflict applies last-write-wins by updated_at.
func (e *Engine) resolveConflict(ctx context.Context, m *schema.PendingMutation, conflict *remote.ConflictError) (outcome, string) {
	current := conflict.Current
	if current != nil && current.UpdatedAt.After(m.UpdatedAtAtEnqueue) {
		// Remote is strictly newer: drop the local mutation and refresh
		// the local cache from the remote's version.
		if rerr := e.outbox.Remove(ctx, m.Sequence); rerr != nil {
			e.logger.Printf("WARNING: dropped mutation %d could not be removed: %v", m.Sequence, rerr)
		}
		if data, err := current.Encode(); err == nil {
			if perr := e.store.Put(ctx, string(m.Table), current.ID, data); perr != nil {
				e.logger.Printf("WARNING: failed to refresh %s/%s after conflict: %v", m.Table, current.ID, perr)
			}
		}
		e.logger.Printf("mutation %d dropped: remote copy of %s/%s is newer", m.Sequence, m.Table, m.PrimaryKey)

		notice := ""
		if n := e.bumpConflict(m.PrimaryKey); n >= conflictNoticeThreshold {
			notice = fmt.Sprintf("record %s keeps being changed elsewhere; your latest local edits were not kept", m.PrimaryKey)
		}
		return outcomeApplied, notice
	}

	// Local wins: keep the mutation queued and retry on the next pass.
	e.logger.Printf("mutation %d conflicts but local copy is newer, retrying", m.Sequence)
	return outcomeRequeued, ""
}

func (e *Engine) bumpConflict(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflicts[id]++
	return e.conflicts[id]
}

func (e *Engine) clearConflict(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conflicts, id)
}

// refreshCaches replaces the local cache of every touched table with
// the remote's current state so subsequent reads reflect
// server-assigned fields.
//
// Records with mutations still queued are left alone entirely: the
// outbox, not the remote, is authoritative for unconfirmed writes. A
// transiently failed insert keeps its optimistic local copy and a
// queued delete's record is not resurrected from the remote's copy.
func (e *Engine) refreshCaches(ctx context.Context, owner string, touched map[schema.Table]bool) {
	unconfirmed := make(map[schema.Table]map[string]bool)
	if muts, err := e.outbox.Drain(ctx); err != nil {
		e.logger.Printf("WARNING: failed to read outbox before refresh: %v", err)
	} else {
		for _, m := range muts {
			if unconfirmed[m.Table] == nil {
				unconfirmed[m.Table] = make(map[string]bool)
			}
			unconfirmed[m.Table][m.PrimaryKey] = true
		}
	}

	for table := range touched {
		records, err := e.remote.FetchAll(ctx, owner, table)
		if err != nil {
			e.logger.Printf("WARNING: failed to refresh cache for %s: %v", table, err)
			continue
		}
		queued := unconfirmed[table]

		puts := make(map[string][]byte, len(records))
		fetched := make(map[string]bool, len(records))
		for _, rec := range records {
			fetched[rec.ID] = true
			if queued[rec.ID] {
				continue
			}
			data, err := rec.Encode()
			if err != nil {
				e.logger.Printf("WARNING: failed to encode %s/%s: %v", table, rec.ID, err)
				continue
			}
			puts[rec.ID] = data
		}

		// Drop stale local entries for this owner that the remote no
		// longer has. With no owner to scope the sweep to, skip it
		// rather than sweep every owner's records.
		var deletes []string
		if owner != "" {
			local, err := e.store.GetAll(ctx, string(table))
			if err == nil {
				for key, data := range local {
					if fetched[key] || queued[key] {
						continue
					}
					rec, derr := schema.DecodeRecord(data)
					if derr != nil || rec.OwnerID == owner {
						deletes = append(deletes, key)
					}
				}
			}
		}

		if err := e.store.Apply(ctx, string(table), puts, deletes); err != nil {
			e.logger.Printf("WARNING: failed to refresh cache for %s: %v", table, err)
			continue
		}
		e.logger.Printf("refreshed cache for %s (%d records)", table, len(records))
	}
}

// runVacuum hands the full live record set to the vacuum hook.
func (e *Engine) runVacuum(ctx context.Context) {
	if e.vacuum == nil {
		return
	}
	var live []*schema.Record
	for _, table := range schema.Tables {
		all, err := e.store.GetAll(ctx, string(table))
		if err != nil {
			continue
		}
		for _, data := range all {
			if rec, err := schema.DecodeRecord(data); err == nil {
				live = append(live, rec)
			}
		}
	}
	removed, err := e.vacuum(ctx, live)
	if err != nil {
		e.logger.Printf("WARNING: attachment gc failed: %v", err)
		return
	}
	if removed > 0 {
		e.logger.Printf("attachment gc removed %d blobs", removed)
	}
}
