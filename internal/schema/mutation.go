package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of write a pending mutation replays.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PendingMutation is one not-yet-confirmed write recorded while the
// remote was unreachable.
//
// Sequence is a per-device counter and the sole ordering authority
// during replay: wall-clock time is not trusted for ordering because
// local clocks can be skewed or rolled back. Mutations for the same
// primary key must be replayed in Sequence order so a later update or
// delete always wins at apply time.
type PendingMutation struct {
	Sequence   uint64    `json:"sequence"`
	Table      Table     `json:"table"`
	Op         Operation `json:"operation"`
	PrimaryKey string    `json:"primary_key"`

	// Payload is the full record as of enqueue time. Delete mutations
	// carry only identity fields.
	Payload *Record `json:"payload,omitempty"`

	// UpdatedAtAtEnqueue snapshots the record's UpdatedAt when the
	// mutation was recorded. The sync engine compares it against the
	// remote copy to apply last-write-wins conflict resolution.
	UpdatedAtAtEnqueue time.Time `json:"updated_at_at_enqueue"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// Validate checks the mutation's required fields.
func (m *PendingMutation) Validate() error {
	if !m.Table.Valid() {
		return fmt.Errorf("unknown table %q", m.Table)
	}
	if !m.Op.Valid() {
		return fmt.Errorf("unknown operation %q", m.Op)
	}
	if m.PrimaryKey == "" {
		return fmt.Errorf("primary_key is required")
	}
	if m.Op != OpDelete && m.Payload == nil {
		return fmt.Errorf("%s mutation requires a payload", m.Op)
	}
	return nil
}

// Encode serializes the mutation for the outbox namespace.
func (m *PendingMutation) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation %d: %w", m.Sequence, err)
	}
	return data, nil
}

// DecodeMutation parses a mutation previously written with Encode.
func DecodeMutation(data []byte) (*PendingMutation, error) {
	var m PendingMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation: %w", err)
	}
	return &m, nil
}
