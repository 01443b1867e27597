// Package outbox provides the durable append-only log of pending writes
// recorded while the remote is unreachable.
//
// Entries are persisted in their own store namespace keyed by sequence.
// Sequence numbers are strictly increasing per device and never reused;
// they are the sole ordering authority during replay. Wall-clock time is
// not trusted for ordering because local clocks can be skewed or rolled
// back.
//
// Per-mutation state machine:
//
//	Pending -> Applied            (removed on confirmed remote write)
//	Pending -> Requeued           (kept at its sequence for the next sync attempt)
//	Pending -> PermanentlyFailed  (moved out of the replay path, surfaced to the user)
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/skiffapp/skiff/internal/schema"
	"github.com/skiffapp/skiff/internal/store"
)

// counterKey holds the next sequence number in the outbox_meta
// namespace. Persisting it separately from the entries means a sequence
// consumed by a removed mutation is never handed out again.
const counterKey = "next_sequence"

// Outbox is the durable pending-mutation queue for one device.
type Outbox struct {
	store  *store.Store
	logger *log.Logger

	mu      sync.Mutex
	nextSeq uint64
	loaded  bool
}

// Open prepares an outbox over the given store. The sequence counter is
// loaded lazily on first use: the persisted counter or, if the counter
// write was ever lost, one past the highest existing entry, whichever is
// larger.
func Open(st *store.Store, logger *log.Logger) *Outbox {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Outbox{store: st, logger: logger}
}

// seqKey formats a sequence so lexical key order equals numeric order.
func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func parseSeqKey(key string) (uint64, error) {
	seq, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed outbox key %q: %w", key, err)
	}
	return seq, nil
}

// loadCounter initializes nextSeq. Caller holds o.mu.
func (o *Outbox) loadCounter(ctx context.Context) error {
	if o.loaded {
		return nil
	}

	var persisted uint64
	raw, err := o.store.Get(ctx, store.NSOutboxMeta, counterKey)
	if err == nil {
		if v, perr := strconv.ParseUint(string(raw), 10, 64); perr == nil {
			persisted = v
		} else {
			o.logger.Printf("ignoring malformed sequence counter %q", raw)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	keys, err := o.store.Keys(ctx, store.NSOutbox)
	if err != nil {
		return err
	}
	var highest uint64
	for _, key := range keys {
		seq, perr := parseSeqKey(key)
		if perr != nil {
			o.logger.Printf("skipping %v", perr)
			continue
		}
		if seq >= highest {
			highest = seq + 1
		}
	}

	o.nextSeq = persisted
	if highest > o.nextSeq {
		o.nextSeq = highest
	}
	if o.nextSeq == 0 {
		o.nextSeq = 1
	}
	o.loaded = true
	return nil
}

// Enqueue assigns the next sequence to m and persists it. The entry and
// the advanced counter land in one durable step each; the counter is
// written first so a crash between the two can only waste a sequence,
// never reuse one.
func (o *Outbox) Enqueue(ctx context.Context, m *schema.PendingMutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.loadCounter(ctx); err != nil {
		return fmt.Errorf("failed to load sequence counter: %w", err)
	}

	m.Sequence = o.nextSeq
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}

	next := strconv.FormatUint(o.nextSeq+1, 10)
	if err := o.store.Put(ctx, store.NSOutboxMeta, counterKey, []byte(next)); err != nil {
		return fmt.Errorf("failed to advance sequence counter: %w", err)
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := o.store.Put(ctx, store.NSOutbox, seqKey(m.Sequence), data); err != nil {
		return fmt.Errorf("failed to persist mutation %d: %w", m.Sequence, err)
	}

	o.nextSeq++
	o.logger.Printf("enqueued %s %s/%s as sequence %d", m.Op, m.Table, m.PrimaryKey, m.Sequence)
	return nil
}

// Drain returns all pending mutations in sequence order. Entries remain
// in the outbox; the sync engine removes each one only after the remote
// confirms it.
func (o *Outbox) Drain(ctx context.Context) ([]*schema.PendingMutation, error) {
	all, err := o.store.GetAll(ctx, store.NSOutbox)
	if err != nil {
		return nil, err
	}

	muts := make([]*schema.PendingMutation, 0, len(all))
	for key, data := range all {
		m, derr := schema.DecodeMutation(data)
		if derr != nil {
			o.logger.Printf("WARNING: skipping undecodable outbox entry %s: %v", key, derr)
			continue
		}
		muts = append(muts, m)
	}
	sort.Slice(muts, func(i, j int) bool { return muts[i].Sequence < muts[j].Sequence })
	return muts, nil
}

// Remove deletes the mutation with the given sequence after a confirmed
// remote write. Removing an absent sequence is not an error.
func (o *Outbox) Remove(ctx context.Context, sequence uint64) error {
	if err := o.store.Delete(ctx, store.NSOutbox, seqKey(sequence)); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", sequence, err)
	}
	return nil
}

// Pending returns the number of queued mutations.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	keys, err := o.store.Keys(ctx, store.NSOutbox)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// MarkFailed moves a mutation out of the replay path into the failed
// namespace where it waits for external resolution. Its sequence is
// preserved so the failure report stays ordered.
func (o *Outbox) MarkFailed(ctx context.Context, m *schema.PendingMutation) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := o.store.Put(ctx, store.NSFailed, seqKey(m.Sequence), data); err != nil {
		return fmt.Errorf("failed to record failed mutation %d: %w", m.Sequence, err)
	}
	if err := o.store.Delete(ctx, store.NSOutbox, seqKey(m.Sequence)); err != nil {
		return fmt.Errorf("failed to remove failed mutation %d: %w", m.Sequence, err)
	}
	o.logger.Printf("mutation %d (%s %s/%s) marked permanently failed", m.Sequence, m.Op, m.Table, m.PrimaryKey)
	return nil
}

// Failed returns mutations previously moved out of the replay path,
// in sequence order.
func (o *Outbox) Failed(ctx context.Context) ([]*schema.PendingMutation, error) {
	all, err := o.store.GetAll(ctx, store.NSFailed)
	if err != nil {
		return nil, err
	}
	muts := make([]*schema.PendingMutation, 0, len(all))
	for key, data := range all {
		m, derr := schema.DecodeMutation(data)
		if derr != nil {
			o.logger.Printf("WARNING: skipping undecodable failed entry %s: %v", key, derr)
			continue
		}
		muts = append(muts, m)
	}
	sort.Slice(muts, func(i, j int) bool { return muts[i].Sequence < muts[j].Sequence })
	return muts, nil
}
