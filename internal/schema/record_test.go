package schema

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testRecord(id string) *Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		ID:        id,
		OwnerID:   "owner-1",
		Title:     "Write report",
		ListKey:   "todo",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRecordValidate(t *testing.T) {
	rec := testRecord("rec-1")
	if err := rec.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	missing := testRecord("rec-2")
	missing.OwnerID = ""
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing owner_id")
	}

	negative := testRecord("rec-3")
	order := -1
	negative.SortOrder = &order
	if err := negative.Validate(); err == nil {
		t.Error("expected error for negative sort_order")
	}
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := testRecord("rec-1")
	order := 2
	rec.SortOrder = &order
	rec.Attachments = []string{"skiff-blob://a"}

	clone := rec.Clone()
	*clone.SortOrder = 7
	clone.Attachments[0] = "skiff-blob://b"

	if *rec.SortOrder != 2 {
		t.Errorf("clone mutated original sort_order: %d", *rec.SortOrder)
	}
	if rec.Attachments[0] != "skiff-blob://a" {
		t.Errorf("clone mutated original attachments: %v", rec.Attachments)
	}
}

func TestRecordEncodeDecode(t *testing.T) {
	rec := testRecord("rec-1")
	order := 3
	rec.SortOrder = &order

	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchApply(t *testing.T) {
	rec := testRecord("rec-1")

	got, err := Patch{"title": "Send report", "status": "done"}.Apply(rec)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got.Title != "Send report" {
		t.Errorf("title = %q, want %q", got.Title, "Send report")
	}
	if got.Status != "done" {
		t.Errorf("status = %q, want %q", got.Status, "done")
	}
	// Untouched fields survive the merge.
	if got.ListKey != "todo" {
		t.Errorf("list_key = %q, want %q", got.ListKey, "todo")
	}
	// The original is not mutated.
	if rec.Title != "Write report" {
		t.Errorf("patch mutated original: %q", rec.Title)
	}
}

func TestPatchRejectsIdentityFields(t *testing.T) {
	rec := testRecord("rec-1")
	for _, field := range []string{"id", "owner_id", "created_at"} {
		if _, err := (Patch{field: "x"}).Apply(rec); err == nil {
			t.Errorf("expected error patching %q", field)
		}
	}
}

func TestMutationValidate(t *testing.T) {
	m := &PendingMutation{
		Table:      TableTasks,
		Op:         OpInsert,
		PrimaryKey: "rec-1",
		Payload:    testRecord("rec-1"),
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid mutation rejected: %v", err)
	}

	noPayload := &PendingMutation{Table: TableTasks, Op: OpUpdate, PrimaryKey: "rec-1"}
	if err := noPayload.Validate(); err == nil {
		t.Error("expected error for update without payload")
	}

	del := &PendingMutation{Table: TableTasks, Op: OpDelete, PrimaryKey: "rec-1"}
	if err := del.Validate(); err != nil {
		t.Errorf("delete without payload rejected: %v", err)
	}

	badTable := &PendingMutation{Table: "nope", Op: OpDelete, PrimaryKey: "rec-1"}
	if err := badTable.Validate(); err == nil {
		t.Error("expected error for unknown table")
	}
}

func TestParseConnectivityMode(t *testing.T) {
	tests := []struct {
		in   string
		want ConnectivityMode
	}{
		{"online", Online},
		{"offline", Offline},
		{"checking", Checking},
		{"garbage", Checking},
		{"", Checking},
	}
	for _, tt := range tests {
		if got := ParseConnectivityMode(tt.in); got != tt.want {
			t.Errorf("ParseConnectivityMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTableOrdered(t *testing.T) {
	if !TableTasks.Ordered() || !TableReminders.Ordered() {
		t.Error("tasks and reminders must be ordered")
	}
	if TableSessions.Ordered() || TableProfiles.Ordered() {
		t.Error("sessions and profiles must not be ordered")
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	if _, err := DecodeRecord([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
}
