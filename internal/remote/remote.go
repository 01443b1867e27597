// Package remote defines the contract between the local-first core and
// the remote store. The remote is an opaque CRUD API behind this
// adapter; the core never sees its transport, query planning, or
// authentication.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skiffapp/skiff/internal/schema"
)

// Failure taxonomy for remote operations.
//
// The sync engine only distinguishes "succeeded", "conflict",
// "transient failure", and "permanent failure"; timeouts and transport
// details are the adapter's responsibility. Check with errors.Is():
//
//	if errors.Is(err, remote.ErrTransient) {
//	    // Requeue and pause the flush.
//	}
var (
	// ErrNotFound is returned when the target record does not exist on
	// the remote. For deletes the engine treats it as success.
	ErrNotFound = errors.New("record not found on remote")

	// ErrTransient covers network and connection failures that are
	// expected to succeed on retry.
	ErrTransient = errors.New("transient network failure")

	// ErrPermanent covers payloads the remote has permanently rejected.
	// Retrying cannot help; the mutation needs external resolution.
	ErrPermanent = errors.New("payload permanently rejected")
)

// ConflictError is returned by Apply when the remote copy was modified
// more recently than the incoming payload claims to have seen.
//
// The adapter MUST return the conflicting current record, not merely an
// error code: without it the engine cannot distinguish a true conflict
// from its own retry, and cannot refresh the local cache when the
// remote wins.
type ConflictError struct {
	// Current is the record as it exists on the remote right now.
	Current *schema.Record
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return "remote conflict"
	}
	return fmt.Sprintf("remote conflict on %s (remote updated %s)", e.Current.ID, e.Current.UpdatedAt.Format(time.RFC3339))
}

// Adapter is the client-side face of the remote store.
//
// Apply semantics per operation:
//
//   - insert/update: upsert the full payload; return the record as
//     stored (including any server-assigned fields), or *ConflictError
//     when the remote copy is newer.
//   - delete: remove the record; return ErrNotFound if it is already
//     gone (callers treat that as success).
//
// Implementations own their timeouts; a blocked call should eventually
// fail with ErrTransient.
type Adapter interface {
	FetchAll(ctx context.Context, owner string, table schema.Table) ([]*schema.Record, error)
	Apply(ctx context.Context, table schema.Table, op schema.Operation, payload *schema.Record) (*schema.Record, error)
}
