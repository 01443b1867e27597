// Package repo provides typed CRUD over the local store for the domain
// tables (tasks, reminders, sessions, profiles).
//
// The repository owns the ordering invariant: within a list key, sort
// orders always form a contiguous 0..n-1 permutation. It also owns the
// online/offline split for interactive writes. Online writes go
// straight through to the remote adapter and surface adapter errors
// verbatim; retries belong to the sync engine, not to interactive
// operations. Offline writes land in the local store and append a
// pending mutation to the outbox in the same serialized step, so a
// record and its outbox entry can never get out of sync.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiffapp/skiff/internal/outbox"
	"github.com/skiffapp/skiff/internal/remote"
	"github.com/skiffapp/skiff/internal/schema"
	"github.com/skiffapp/skiff/internal/store"
)

// ErrNotFound is returned by Update and Delete for unknown record IDs.
var ErrNotFound = errors.New("record not found")

// Placement is one entry of a reorder batch: the desired final position
// of a record, possibly in a different list than it is in now.
type Placement struct {
	ID        string
	ListKey   string
	SortOrder int
}

// Repository mediates all interactive record access.
type Repository struct {
	store  *store.Store
	outbox *outbox.Outbox
	remote remote.Adapter
	logger *log.Logger
	now    func() time.Time

	// Single logical writer per device: a write must fully land (data
	// write plus any outbox append) before the operation returns.
	mu sync.Mutex
}

// New creates a repository. If logger is nil, a default logger writing
// to stderr is used.
func New(st *store.Store, ob *outbox.Outbox, adapter remote.Adapter, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	return &Repository{
		store:  st,
		outbox: ob,
		remote: adapter,
		logger: logger,
		now:    time.Now,
	}
}

// List returns the owner's records from the local store with sort
// orders re-derived.
//
// If two records in the same list collide on sort order, or any are
// missing one, a stable deterministic renumbering repairs the list:
// records sort by (sort_order ascending, created_at ascending) and get
// fresh dense 0..n-1 values per list key. Repairs are persisted locally
// but never enqueued; every replica re-derives the same result.
func (r *Repository) List(ctx context.Context, table schema.Table, owner string) ([]*schema.Record, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.loadAll(ctx, table, owner)
	if err != nil {
		return nil, err
	}

	if table.Ordered() {
		repaired := Renumber(records)
		if len(repaired) > 0 {
			puts := make(map[string][]byte, len(repaired))
			for _, rec := range repaired {
				data, err := rec.Encode()
				if err != nil {
					return nil, err
				}
				puts[rec.ID] = data
			}
			if err := r.store.Apply(ctx, string(table), puts, nil); err != nil {
				return nil, fmt.Errorf("failed to persist renumbered orders: %w", err)
			}
		}
		sort.Slice(records, func(i, j int) bool {
			if records[i].ListKey != records[j].ListKey {
				return records[i].ListKey < records[j].ListKey
			}
			return *records[i].SortOrder < *records[j].SortOrder
		})
	} else {
		sort.Slice(records, func(i, j int) bool {
			if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
				return records[i].CreatedAt.Before(records[j].CreatedAt)
			}
			return records[i].ID < records[j].ID
		})
	}

	return records, nil
}

// Get returns one record from the local store.
func (r *Repository) Get(ctx context.Context, table schema.Table, id string) (*schema.Record, error) {
	data, err := r.store.Get(ctx, string(table), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return schema.DecodeRecord(data)
}

// Create persists a new record. Missing identity and timestamp fields
// are filled in: a client-generated UUID for offline-created records,
// and the current time for both timestamps. Ordered records without a
// position are appended to the end of their list.
func (r *Repository) Create(ctx context.Context, mode schema.ConnectivityMode, table schema.Table, rec *schema.Record) (*schema.Record, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.Touch(now)

	if table.Ordered() && rec.SortOrder == nil {
		n, err := r.listLen(ctx, table, rec.OwnerID, rec.ListKey)
		if err != nil {
			return nil, err
		}
		rec.SortOrder = &n
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	if mode == schema.Online {
		applied, err := r.remote.Apply(ctx, table, schema.OpInsert, rec)
		if err != nil {
			return nil, err
		}
		if applied != nil {
			rec = applied
		}
		if err := r.putLocal(ctx, table, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if err := r.putLocal(ctx, table, rec); err != nil {
		return nil, err
	}
	if err := r.enqueue(ctx, table, schema.OpInsert, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a partial patch to a record and persists the result.
func (r *Repository) Update(ctx context.Context, mode schema.ConnectivityMode, table schema.Table, id string, patch schema.Patch) (*schema.Record, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}

	rec, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}
	rec.Touch(r.now())

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record after patch: %w", err)
	}

	if mode == schema.Online {
		applied, err := r.remote.Apply(ctx, table, schema.OpUpdate, rec)
		if err != nil {
			return nil, err
		}
		if applied != nil {
			rec = applied
		}
		if err := r.putLocal(ctx, table, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if err := r.putLocal(ctx, table, rec); err != nil {
		return nil, err
	}
	if err := r.enqueue(ctx, table, schema.OpUpdate, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Reorder applies a batch of desired final placements.
//
// The batch is applied atomically relative to the local store: either
// every position in it is written or none are, so two records can never
// be left sharing a position. Unknown IDs are silently ignored: a stale
// client referencing an already-deleted record cannot corrupt the rest
// of the batch. Placements that match the record's current position are
// skipped entirely so no-op reorders enqueue nothing.
func (r *Repository) Reorder(ctx context.Context, mode schema.ConnectivityMode, table schema.Table, changes []Placement) error {
	if !table.Valid() {
		return fmt.Errorf("unknown table %q", table)
	}
	if !table.Ordered() {
		return fmt.Errorf("table %q has no list ordering", table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var moved []*schema.Record
	puts := make(map[string][]byte)

	for _, change := range changes {
		rec, err := r.Get(ctx, table, change.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.ListKey == change.ListKey && rec.SortOrder != nil && *rec.SortOrder == change.SortOrder {
			continue
		}

		rec.ListKey = change.ListKey
		order := change.SortOrder
		rec.SortOrder = &order
		rec.Touch(now)

		data, err := rec.Encode()
		if err != nil {
			return err
		}
		puts[rec.ID] = data
		moved = append(moved, rec)
	}
	if len(moved) == 0 {
		return nil
	}

	if mode == schema.Online {
		for _, rec := range moved {
			if _, err := r.remote.Apply(ctx, table, schema.OpUpdate, rec); err != nil {
				return err
			}
		}
		return r.store.Apply(ctx, string(table), puts, nil)
	}

	if err := r.store.Apply(ctx, string(table), puts, nil); err != nil {
		return err
	}
	for _, rec := range moved {
		if err := r.enqueue(ctx, table, schema.OpUpdate, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a record. A record already absent on the remote is
// treated as deleted (idempotent); deleting an unknown local ID returns
// ErrNotFound.
func (r *Repository) Delete(ctx context.Context, mode schema.ConnectivityMode, table schema.Table, id string) error {
	if !table.Valid() {
		return fmt.Errorf("unknown table %q", table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.Get(ctx, table, id)
	if err != nil {
		return err
	}

	if mode == schema.Online {
		if _, err := r.remote.Apply(ctx, table, schema.OpDelete, rec); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return r.store.Delete(ctx, string(table), id)
	}

	if err := r.store.Delete(ctx, string(table), id); err != nil {
		return err
	}
	return r.enqueue(ctx, table, schema.OpDelete, rec)
}

// putLocal persists a record to its table namespace.
func (r *Repository) putLocal(ctx context.Context, table schema.Table, rec *schema.Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, string(table), rec.ID, data); err != nil {
		return fmt.Errorf("failed to persist %s/%s: %w", table, rec.ID, err)
	}
	return nil
}

// enqueue appends a pending mutation for the record's current state.
func (r *Repository) enqueue(ctx context.Context, table schema.Table, op schema.Operation, rec *schema.Record) error {
	m := &schema.PendingMutation{
		Table:              table,
		Op:                 op,
		PrimaryKey:         rec.ID,
		Payload:            rec.Clone(),
		UpdatedAtAtEnqueue: rec.UpdatedAt,
		EnqueuedAt:         r.now(),
	}
	if err := r.outbox.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("failed to enqueue %s for %s/%s: %w", op, table, rec.ID, err)
	}
	return nil
}

// loadAll decodes every record in a table namespace, filtered by owner.
func (r *Repository) loadAll(ctx context.Context, table schema.Table, owner string) ([]*schema.Record, error) {
	all, err := r.store.GetAll(ctx, string(table))
	if err != nil {
		return nil, err
	}
	records := make([]*schema.Record, 0, len(all))
	for key, data := range all {
		rec, derr := schema.DecodeRecord(data)
		if derr != nil {
			r.logger.Printf("WARNING: skipping undecodable record %s/%s: %v", table, key, derr)
			continue
		}
		if owner != "" && rec.OwnerID != owner {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// listLen counts the owner's records currently in one list.
func (r *Repository) listLen(ctx context.Context, table schema.Table, owner, listKey string) (int, error) {
	records, err := r.loadAll(ctx, table, owner)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.ListKey == listKey {
			n++
		}
	}
	return n, nil
}

// Renumber assigns fresh dense 0..n-1 sort orders per list key and
// returns the records whose stored order changed.
//
// The renumbering is stable and deterministic: within a list, records
// sort by existing sort order ascending (records missing one go last),
// then created_at ascending, then ID. Running it twice never produces a
// second change set.
func Renumber(records []*schema.Record) []*schema.Record {
	lists := make(map[string][]*schema.Record)
	for _, rec := range records {
		lists[rec.ListKey] = append(lists[rec.ListKey], rec)
	}

	var changed []*schema.Record
	for _, members := range lists {
		sort.SliceStable(members, func(i, j int) bool {
			oi, oj := members[i].SortOrder, members[j].SortOrder
			switch {
			case oi != nil && oj != nil && *oi != *oj:
				return *oi < *oj
			case oi == nil && oj != nil:
				return false
			case oi != nil && oj == nil:
				return true
			}
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})
		for i, rec := range members {
			if rec.SortOrder != nil && *rec.SortOrder == i {
				continue
			}
			order := i
			rec.SortOrder = &order
			changed = append(changed, rec)
		}
	}
	return changed
}
