package outbox

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/skiffapp/skiff/internal/schema"
	"github.com/skiffapp/skiff/internal/store"
)

func testStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	s := store.Open(store.Options{
		FallbackOnly: true,
		FallbackPath: filepath.Join(dir, "fallback.json"),
		Logger:       log.New(io.Discard, "", 0),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMutation(id string, op schema.Operation) *schema.PendingMutation {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &schema.PendingMutation{
		Table:              schema.TableTasks,
		Op:                 op,
		PrimaryKey:         id,
		UpdatedAtAtEnqueue: now,
		EnqueuedAt:         now,
	}
	if op != schema.OpDelete {
		m.Payload = &schema.Record{
			ID:        id,
			OwnerID:   "owner-1",
			Title:     "task " + id,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return m
}

func TestEnqueueAssignsIncreasingSequences(t *testing.T) {
	ob := Open(testStore(t, t.TempDir()), log.New(io.Discard, "", 0))
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		m := testMutation(id, schema.OpInsert)
		if err := ob.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
		if want := uint64(i + 1); m.Sequence != want {
			t.Errorf("sequence for %s = %d, want %d", id, m.Sequence, want)
		}
	}
}

func TestDrainReturnsSequenceOrder(t *testing.T) {
	ob := Open(testStore(t, t.TempDir()), log.New(io.Discard, "", 0))
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := ob.Enqueue(ctx, testMutation(id, schema.OpInsert)); err != nil {
			t.Fatal(err)
		}
	}

	muts, err := ob.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(muts) != len(want) {
		t.Fatalf("drained %d mutations, want %d", len(muts), len(want))
	}
	for i, m := range muts {
		if m.PrimaryKey != want[i] {
			t.Errorf("drain[%d] = %s, want %s", i, m.PrimaryKey, want[i])
		}
		if i > 0 && muts[i-1].Sequence >= m.Sequence {
			t.Errorf("drain not in sequence order at %d: %d >= %d", i, muts[i-1].Sequence, m.Sequence)
		}
	}
}

func TestDrainLeavesEntriesInPlace(t *testing.T) {
	ob := Open(testStore(t, t.TempDir()), log.New(io.Discard, "", 0))
	ctx := context.Background()

	if err := ob.Enqueue(ctx, testMutation("a", schema.OpInsert)); err != nil {
		t.Fatal(err)
	}
	if _, err := ob.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := ob.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Pending after Drain = %d, want 1", n)
	}
}

func TestRemove(t *testing.T) {
	ob := Open(testStore(t, t.TempDir()), log.New(io.Discard, "", 0))
	ctx := context.Background()

	m := testMutation("a", schema.OpInsert)
	if err := ob.Enqueue(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := ob.Remove(ctx, m.Sequence); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	n, _ := ob.Pending(ctx)
	if n != 0 {
		t.Errorf("Pending after Remove = %d, want 0", n)
	}

	// Removing the same sequence again is harmless.
	if err := ob.Remove(ctx, m.Sequence); err != nil {
		t.Errorf("second Remove = %v, want nil", err)
	}
}

// A sequence handed to a removed mutation must never come back, even
// across process restarts.
func TestSequencesNeverReusedAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	ctx := context.Background()

	st := testStore(t, dir)
	ob := Open(st, logger)
	m := testMutation("a", schema.OpInsert)
	if err := ob.Enqueue(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := ob.Remove(ctx, m.Sequence); err != nil {
		t.Fatal(err)
	}

	// Fresh outbox over the same store: the persisted counter wins even
	// though the outbox namespace is now empty.
	ob2 := Open(st, logger)
	m2 := testMutation("b", schema.OpInsert)
	if err := ob2.Enqueue(ctx, m2); err != nil {
		t.Fatal(err)
	}
	if m2.Sequence <= m.Sequence {
		t.Errorf("sequence reused: got %d after removing %d", m2.Sequence, m.Sequence)
	}
}

// If the counter record is lost, the counter recovers to one past the
// highest surviving entry.
func TestCounterRecoversFromEntries(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	ctx := context.Background()

	st := testStore(t, dir)
	ob := Open(st, logger)
	for _, id := range []string{"a", "b"} {
		if err := ob.Enqueue(ctx, testMutation(id, schema.OpInsert)); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Delete(ctx, store.NSOutboxMeta, counterKey); err != nil {
		t.Fatal(err)
	}

	ob2 := Open(st, logger)
	m := testMutation("c", schema.OpInsert)
	if err := ob2.Enqueue(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.Sequence != 3 {
		t.Errorf("recovered sequence = %d, want 3", m.Sequence)
	}
}

func TestMarkFailedMovesOutOfReplayPath(t *testing.T) {
	ob := Open(testStore(t, t.TempDir()), log.New(io.Discard, "", 0))
	ctx := context.Background()

	good := testMutation("a", schema.OpInsert)
	bad := testMutation("b", schema.OpInsert)
	for _, m := range []*schema.PendingMutation{good, bad} {
		if err := ob.Enqueue(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := ob.MarkFailed(ctx, bad); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	muts, err := ob.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(muts) != 1 || muts[0].PrimaryKey != "a" {
		t.Errorf("Drain after MarkFailed = %v, want only a", muts)
	}

	failed, err := ob.Failed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].PrimaryKey != "b" {
		t.Errorf("Failed = %v, want only b", failed)
	}
	if failed[0].Sequence != bad.Sequence {
		t.Errorf("failed sequence = %d, want %d", failed[0].Sequence, bad.Sequence)
	}
}

func TestEnqueueRejectsInvalidMutation(t *testing.T) {
	ob := Open(testStore(t, t.TempDir()), log.New(io.Discard, "", 0))
	bad := &schema.PendingMutation{Table: schema.TableTasks, Op: schema.OpInsert, PrimaryKey: "a"}
	if err := ob.Enqueue(context.Background(), bad); err == nil {
		t.Error("expected error enqueueing insert without payload")
	}
}

func TestDrainSkipsUndecodableEntries(t *testing.T) {
	dir := t.TempDir()
	st := testStore(t, dir)
	ob := Open(st, log.New(io.Discard, "", 0))
	ctx := context.Background()

	if err := ob.Enqueue(ctx, testMutation("a", schema.OpInsert)); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, store.NSOutbox, seqKey(99), []byte("{garbage")); err != nil {
		t.Fatal(err)
	}

	muts, err := ob.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(muts) != 1 || muts[0].PrimaryKey != "a" {
		t.Errorf("Drain = %v, want only the valid entry", muts)
	}
}
