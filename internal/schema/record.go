// Package schema provides the data structures shared by the local store,
// the entity repository, the mutation outbox, and the sync engine.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table identifies an entity namespace. Each table maps to its own
// namespace in the local store and its own collection on the remote.
type Table string

const (
	TableTasks     Table = "tasks"
	TableReminders Table = "reminders"
	TableSessions  Table = "sessions"
	TableProfiles  Table = "profiles"
)

// Tables lists every entity table in a stable order.
var Tables = []Table{TableTasks, TableReminders, TableSessions, TableProfiles}

// Ordered reports whether records in this table carry list placement.
// Only ordered tables participate in dense sort-order renumbering.
func (t Table) Ordered() bool {
	return t == TableTasks || t == TableReminders
}

// Valid reports whether t names a known entity table.
func (t Table) Valid() bool {
	switch t {
	case TableTasks, TableReminders, TableSessions, TableProfiles:
		return true
	}
	return false
}

// Record is a domain entity stored as a flat JSON document.
//
// The structure is deliberately flat with last-write-wins semantics:
// each field can be updated independently and UpdatedAt resolves
// conflicts during sync. Entity-specific fields are all optional so a
// single structure serves tasks, reminders, timer sessions, and the
// profile; the owning Table decides which fields are meaningful.
type Record struct {
	// ===== Core identification =====
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	// ===== List placement (ordered tables only) =====
	//
	// Within one ListKey the SortOrder values of all records form a
	// contiguous 0..n-1 permutation. SortOrder is a pointer so that a
	// record written by an older client without a position can be told
	// apart from one legitimately placed at position zero.
	ListKey   string `json:"list_key,omitempty"`
	SortOrder *int   `json:"sort_order,omitempty"`

	// ===== Content =====
	Title  string `json:"title,omitempty"`
	Notes  string `json:"notes,omitempty"`
	Status string `json:"status,omitempty"`

	// ===== Reminder / session scheduling =====
	RemindAt    *time.Time `json:"remind_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DurationSec int        `json:"duration_sec,omitempty"`

	// ===== Profile =====
	DisplayName string `json:"display_name,omitempty"`

	// ===== Attachments =====
	//
	// References (not ownership) into the attachment vault. The vault's
	// garbage collector treats the union of these fields across all live
	// records as the live set.
	Attachments []string `json:"attachments,omitempty"`

	// ===== Timestamps (conflict resolution) =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields every record must carry.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if r.SortOrder != nil && *r.SortOrder < 0 {
		return fmt.Errorf("sort_order must not be negative (got %d)", *r.SortOrder)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.SortOrder != nil {
		v := *r.SortOrder
		out.SortOrder = &v
	}
	if r.RemindAt != nil {
		v := *r.RemindAt
		out.RemindAt = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.Attachments != nil {
		out.Attachments = append([]string(nil), r.Attachments...)
	}
	return &out
}

// Touch sets UpdatedAt to now. Call whenever a field is modified.
func (r *Record) Touch(now time.Time) {
	r.UpdatedAt = now
}

// Encode serializes the record for the local store.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a record previously written with Encode.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	return &rec, nil
}

// Patch is a partial update applied to a record. Keys use the record's
// JSON field names; values replace the current field values. The merge
// happens at the JSON level so callers only name the fields they touch.
type Patch map[string]any

// Apply merges the patch into rec and returns the merged record.
// Identity and creation fields cannot be patched.
func (p Patch) Apply(rec *Record) (*Record, error) {
	base, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", rec.ID, err)
	}

	for key, value := range p {
		switch key {
		case "id", "owner_id", "created_at":
			return nil, fmt.Errorf("field %q cannot be patched", key)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode patch field %q: %w", key, err)
		}
		doc[key] = raw
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to merge patch: %w", err)
	}

	var out Record
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("failed to decode patched record: %w", err)
	}
	return &out, nil
}
