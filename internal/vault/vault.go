// Package vault stores binary attachments locally, enforces a storage
// quota, and garbage-collects blobs no live record references.
//
// Blobs live in the attachments namespace of the local store; an
// ordered index of blob metadata is persisted under a reserved key so
// the vault can enumerate its contents without scanning blob bytes.
// Records reference attachments through an opaque local URL scheme
// (skiff-blob://<id>); the vault resolves such references back to an
// ephemeral in-memory handle for display and never persists that
// handle.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiffapp/skiff/internal/schema"
	"github.com/skiffapp/skiff/internal/store"
)

// Scheme is the reserved URL scheme for locally stored attachments.
const Scheme = "skiff-blob"

// indexKey is the reserved key the ordered blob index is persisted
// under. The "~" prefix keeps it out of the blob ID keyspace.
const indexKey = "~index"

// DefaultMaxAttachments is the hard cap on locally held attachments,
// enforced independently of the byte quota.
const DefaultMaxAttachments = 50

var (
	// ErrAttachmentLimit is returned by Store when the attachment count
	// cap is reached.
	ErrAttachmentLimit = errors.New("attachment limit reached: remove attachments to add new ones")

	// ErrQuotaExceeded is returned when the projected usage after a
	// write would exhaust the configured capacity. It wraps the store's
	// quota error so both check identically with errors.Is.
	ErrQuotaExceeded = fmt.Errorf("%w: remove attachments to continue", store.ErrQuotaExceeded)

	// ErrNotFound is returned by Load and Hydrate for unknown blobs.
	ErrNotFound = errors.New("attachment not found")
)

// Ref is the persisted metadata for one stored blob.
type Ref struct {
	ID        string    `json:"id"`
	Mime      string    `json:"mime"`
	Name      string    `json:"name,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// LocalURL returns the reference to embed in a record's attachments.
func (r *Ref) LocalURL() string {
	return Scheme + "://" + r.ID
}

// ParseLocalURL extracts the blob ID from a skiff-blob URL. The second
// return value is false for URLs using any other scheme.
func ParseLocalURL(url string) (string, bool) {
	id, ok := strings.CutPrefix(url, Scheme+"://")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Handle is a hydrated, directly renderable view of a blob. The URL is
// an in-memory data URL; it must never be written back to a record.
type Handle struct {
	URL  string
	Mime string
	Size int64
}

// Options configures a Vault.
type Options struct {
	// QuotaBytes is the best-effort capacity signal. Zero means no
	// signal is available and writes proceed optimistically, relying on
	// the underlying store to fail with its quota error if storage
	// truly runs out.
	QuotaBytes int64

	// MaxAttachments caps the number of locally held blobs. Zero means
	// DefaultMaxAttachments.
	MaxAttachments int

	Logger *log.Logger
}

// Vault is the local attachment store.
type Vault struct {
	store  *store.Store
	quota  int64
	maxN   int
	logger *log.Logger

	mu sync.Mutex
}

// New creates a vault over the given store.
func New(st *store.Store, opts Options) *Vault {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[vault] ", log.LstdFlags)
	}
	maxN := opts.MaxAttachments
	if maxN == 0 {
		maxN = DefaultMaxAttachments
	}
	return &Vault{store: st, quota: opts.QuotaBytes, maxN: maxN, logger: logger}
}

// loadIndex reads the persisted ordered index. Absent index means an
// empty vault.
func (v *Vault) loadIndex(ctx context.Context) ([]Ref, error) {
	raw, err := v.store.Get(ctx, store.NSAttachments, indexKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []Ref
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("failed to parse attachment index: %w", err)
	}
	return index, nil
}

func (v *Vault) saveIndex(ctx context.Context, index []Ref) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment index: %w", err)
	}
	return v.store.Put(ctx, store.NSAttachments, indexKey, raw)
}

// Store persists a new blob and returns its reference.
//
// Before writing, the projected usage after the write is checked
// against the configured quota; the write is refused with
// ErrQuotaExceeded, leaving the index untouched, if remaining capacity
// would be non-positive. The attachment count cap is enforced
// independently with ErrAttachmentLimit.
func (v *Vault) Store(ctx context.Context, data []byte, mime, name string) (*Ref, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	index, err := v.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	if len(index) >= v.maxN {
		return nil, ErrAttachmentLimit
	}

	if v.quota > 0 {
		var usage int64
		for _, ref := range index {
			usage += ref.Size
		}
		if usage+int64(len(data)) >= v.quota {
			return nil, ErrQuotaExceeded
		}
	}

	ref := Ref{
		ID:        uuid.NewString(),
		Mime:      mime,
		Name:      name,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}

	// Blob first, index second: a crash in between leaves an orphan
	// blob for the next GC, never an index entry without bytes.
	if err := v.store.Put(ctx, store.NSAttachments, ref.ID, data); err != nil {
		return nil, err
	}
	if err := v.saveIndex(ctx, append(index, ref)); err != nil {
		_ = v.store.Delete(ctx, store.NSAttachments, ref.ID)
		return nil, err
	}

	v.logger.Printf("stored attachment %s (%s, %d bytes)", ref.ID, mime, ref.Size)
	return &ref, nil
}

// Load returns the bytes of a stored blob, or ErrNotFound.
func (v *Vault) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := v.store.Get(ctx, store.NSAttachments, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Hydrate resolves a skiff-blob URL to an ephemeral renderable handle.
// Foreign URLs pass through unchanged so callers can hydrate a record's
// whole attachment list without filtering first.
func (v *Vault) Hydrate(ctx context.Context, url string) (*Handle, error) {
	id, ok := ParseLocalURL(url)
	if !ok {
		return &Handle{URL: url}, nil
	}

	v.mu.Lock()
	index, err := v.loadIndex(ctx)
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var ref *Ref
	for i := range index {
		if index[i].ID == id {
			ref = &index[i]
			break
		}
	}
	if ref == nil {
		return nil, ErrNotFound
	}

	data, err := v.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Handle{
		URL:  "data:" + ref.Mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		Mime: ref.Mime,
		Size: ref.Size,
	}, nil
}

// Usage reports current byte usage and attachment count.
func (v *Vault) Usage(ctx context.Context) (int64, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	index, err := v.loadIndex(ctx)
	if err != nil {
		return 0, 0, err
	}
	var usage int64
	for _, ref := range index {
		usage += ref.Size
	}
	return usage, len(index), nil
}

// GC deletes blobs no live record references and persists the pruned
// index. The live set is the union of skiff-blob references across all
// given records. Invoke after every bulk record persistence so deleting
// or editing a record's attachments promptly frees local storage.
func (v *Vault) GC(ctx context.Context, live []*schema.Record) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	referenced := make(map[string]bool)
	for _, rec := range live {
		for _, url := range rec.Attachments {
			if id, ok := ParseLocalURL(url); ok {
				referenced[id] = true
			}
		}
	}

	index, err := v.loadIndex(ctx)
	if err != nil {
		return 0, err
	}

	kept := index[:0]
	var removed []string
	for _, ref := range index {
		if referenced[ref.ID] {
			kept = append(kept, ref)
			continue
		}
		removed = append(removed, ref.ID)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	for _, id := range removed {
		if err := v.store.Delete(ctx, store.NSAttachments, id); err != nil {
			return 0, fmt.Errorf("failed to delete blob %s: %w", id, err)
		}
	}
	if err := v.saveIndex(ctx, kept); err != nil {
		return 0, err
	}

	v.logger.Printf("gc removed %d unreferenced attachments", len(removed))
	return len(removed), nil
}
