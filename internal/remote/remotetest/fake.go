// Package remotetest provides an in-memory remote adapter for tests.
//
// The fake honors the full adapter contract: upsert semantics for
// insert/update, ErrNotFound for deletes of absent records, and
// last-write-wins conflict detection that returns the current remote
// record inside a *remote.ConflictError. Failures can be scripted per
// call or per record to exercise the engine's transient and permanent
// paths.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/skiffapp/skiff/internal/remote"
	"github.com/skiffapp/skiff/internal/schema"
)

// Call records one Apply invocation in arrival order.
type Call struct {
	Table schema.Table
	Op    schema.Operation
	ID    string
}

// Fake is an in-memory remote store.
type Fake struct {
	mu      sync.Mutex
	tables  map[schema.Table]map[string]*schema.Record
	calls   []Call
	applyN  int
	failSeq map[int]error // 1-based Apply call index -> injected error
	failID  map[string]error
}

// New returns an empty fake remote.
func New() *Fake {
	return &Fake{
		tables:  make(map[schema.Table]map[string]*schema.Record),
		failSeq: make(map[int]error),
		failID:  make(map[string]error),
	}
}

// Seed places a record on the remote without recording a call.
func (f *Fake) Seed(table schema.Table, rec *schema.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableLocked(table)[rec.ID] = rec.Clone()
}

// FailCall injects err on the nth Apply call (1-based).
func (f *Fake) FailCall(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSeq[n] = err
}

// FailRecord injects err on every Apply touching the given record ID.
// Pass nil to clear.
func (f *Fake) FailRecord(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failID, id)
		return
	}
	f.failID[id] = err
}

// Calls returns the Apply invocations observed so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Get returns the remote copy of a record, or nil.
func (f *Fake) Get(table schema.Table, id string) *schema.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tableLocked(table)[id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

func (f *Fake) tableLocked(table schema.Table) map[string]*schema.Record {
	t := f.tables[table]
	if t == nil {
		t = make(map[string]*schema.Record)
		f.tables[table] = t
	}
	return t
}

// FetchAll implements remote.Adapter.
func (f *Fake) FetchAll(ctx context.Context, owner string, table schema.Table) ([]*schema.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*schema.Record
	for _, rec := range f.tableLocked(table) {
		if owner != "" && rec.OwnerID != owner {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Apply implements remote.Adapter.
func (f *Fake) Apply(ctx context.Context, table schema.Table, op schema.Operation, payload *schema.Record) (*schema.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", remote.ErrPermanent)
	}

	f.applyN++
	f.calls = append(f.calls, Call{Table: table, Op: op, ID: payload.ID})

	if err, ok := f.failSeq[f.applyN]; ok {
		return nil, err
	}
	if err, ok := f.failID[payload.ID]; ok {
		return nil, err
	}

	t := f.tableLocked(table)

	switch op {
	case schema.OpDelete:
		if _, ok := t[payload.ID]; !ok {
			return nil, remote.ErrNotFound
		}
		delete(t, payload.ID)
		return nil, nil

	case schema.OpInsert, schema.OpUpdate:
		if current, ok := t[payload.ID]; ok && current.UpdatedAt.After(payload.UpdatedAt) {
			return nil, &remote.ConflictError{Current: current.Clone()}
		}
		stored := payload.Clone()
		t[payload.ID] = stored
		return stored.Clone(), nil

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", remote.ErrPermanent, op)
	}
}

var _ remote.Adapter = (*Fake)(nil)
