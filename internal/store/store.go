// Package store provides namespaced durable key/value persistence for
// the local-first core.
//
// Two backing tiers are supported:
//
//   - a structured durable tier backed by embedded SQLite
//     (WAL mode, single kv table keyed by namespace+key)
//   - a simple fallback tier backed by a single JSON file with
//     atomic rename-on-write
//
// The durable tier is probed on first access. If it is absent, or the
// underlying handle reports a store-missing condition mid-operation,
// the store transparently recreates the durable tier once and retries
// the single failed operation before surfacing an error. If no tier is
// available at all, reads degrade to "absent" so callers fall back to
// empty results, while writes fail loudly with ErrUnavailable so
// callers never believe data was saved.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// Sentinel errors returned by store operations.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, store.ErrQuotaExceeded) {
//	    // Surface a "storage full" notice instead of aborting.
//	}
var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable is returned by writes when no backing tier is
	// available. Reads never return it; they degrade to ErrNotFound.
	ErrUnavailable = errors.New("local storage unavailable")

	// ErrQuotaExceeded is returned when the backing tier has exhausted
	// its capacity. Callers can react (e.g. prompt the user to free
	// attachments) without treating the whole write path as broken.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")

	// ErrUnknownStorage wraps unexpected tier failures that are neither
	// a missing store nor an exhausted quota.
	ErrUnknownStorage = errors.New("unknown storage failure")
)

// Namespaces used by the core. Callers may use others; these are the
// reserved ones.
const (
	NSOutbox      = "outbox"
	NSOutboxMeta  = "outbox_meta"
	NSFailed      = "outbox_failed"
	NSAttachments = "attachments"
)

// tier is one storage backend. Implementations surface ErrNotFound for
// absent keys and classify capacity exhaustion as ErrQuotaExceeded.
type tier interface {
	get(ctx context.Context, namespace, key string) ([]byte, error)
	put(ctx context.Context, namespace, key string, value []byte) error
	delete(ctx context.Context, namespace, key string) error
	keys(ctx context.Context, namespace string) ([]string, error)
	getAll(ctx context.Context, namespace string) (map[string][]byte, error)
	// apply performs puts and deletes in a single atomic step.
	apply(ctx context.Context, namespace string, puts map[string][]byte, deletes []string) error
	// missing reports whether err indicates the backing store has
	// disappeared and should be recreated.
	missing(err error) bool
	recreate() error
	close() error
}

// Options configures a Store.
type Options struct {
	// Path is the durable tier's database file. Required unless
	// FallbackOnly is set.
	Path string

	// FallbackPath is the fallback tier's JSON file. Empty disables the
	// fallback tier.
	FallbackPath string

	// FallbackOnly skips the durable tier entirely. Used by tests and
	// platforms without SQLite support.
	FallbackOnly bool

	// Logger receives tier probe and recreation messages. Nil means a
	// default logger writing to stderr.
	Logger *log.Logger
}

// Store is a namespaced key/value store over the best available tier.
// All methods are safe for concurrent use; writes within one namespace
// are serialized so a data write plus outbox append cannot interleave.
type Store struct {
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	tier   tier
	probed bool
}

// Open prepares a store. The durable tier is probed lazily on first
// access, so Open never fails; a completely unavailable backing store
// only surfaces once operations run.
func Open(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{opts: opts, logger: logger}
}

// probe selects the backing tier on first access. Durable tier first;
// fallback tier if the durable one cannot be opened; nil if neither.
func (s *Store) probe() tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probed {
		return s.tier
	}
	s.probed = true

	if !s.opts.FallbackOnly && s.opts.Path != "" {
		t, err := openSQLiteTier(s.opts.Path)
		if err == nil {
			s.tier = t
			return s.tier
		}
		s.logger.Printf("durable tier unavailable at %s: %v", s.opts.Path, err)
	}

	if s.opts.FallbackPath != "" {
		t, err := openFileTier(s.opts.FallbackPath)
		if err == nil {
			s.logger.Printf("using fallback tier at %s", s.opts.FallbackPath)
			s.tier = t
			return s.tier
		}
		s.logger.Printf("fallback tier unavailable at %s: %v", s.opts.FallbackPath, err)
	}

	return nil
}

// withRetry runs op against the current tier, recreating the tier once
// and retrying the single failed operation if the tier reports a
// store-missing condition.
func (s *Store) withRetry(op func(t tier) error) error {
	t := s.probe()
	if t == nil {
		return ErrUnavailable
	}

	err := op(t)
	if err == nil || !t.missing(err) {
		return err
	}

	s.logger.Printf("backing store missing, recreating: %v", err)
	if rerr := t.recreate(); rerr != nil {
		return fmt.Errorf("failed to recreate backing store: %w", rerr)
	}
	return op(t)
}

// Get returns the value stored under namespace/key, or ErrNotFound if
// absent. With no backing tier at all Get degrades to ErrNotFound so
// callers use their fallback value.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	t := s.probe()
	if t == nil {
		return nil, ErrNotFound
	}
	var value []byte
	err := s.withRetry(func(t tier) error {
		v, err := t.get(ctx, namespace, key)
		value = v
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		// A broken read degrades to absent rather than failing the
		// caller's whole operation.
		s.logger.Printf("get %s/%s failed, treating as absent: %v", namespace, key, err)
		return nil, ErrNotFound
	}
	return value, nil
}

// Put stores value under namespace/key. Capacity exhaustion surfaces as
// ErrQuotaExceeded; any other tier failure wraps ErrUnknownStorage.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	err := s.withRetry(func(t tier) error {
		return t.put(ctx, namespace, key, value)
	})
	return s.classifyWrite(err)
}

// Delete removes namespace/key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	err := s.withRetry(func(t tier) error {
		return t.delete(ctx, namespace, key)
	})
	return s.classifyWrite(err)
}

// Keys returns the keys of a namespace in ascending lexical order.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	t := s.probe()
	if t == nil {
		return nil, nil
	}
	var keys []string
	err := s.withRetry(func(t tier) error {
		k, err := t.keys(ctx, namespace)
		keys = k
		return err
	})
	if err != nil {
		s.logger.Printf("keys %s failed, treating as empty: %v", namespace, err)
		return nil, nil
	}
	return keys, nil
}

// GetAll returns every key/value pair in a namespace.
func (s *Store) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	t := s.probe()
	if t == nil {
		return map[string][]byte{}, nil
	}
	var all map[string][]byte
	err := s.withRetry(func(t tier) error {
		m, err := t.getAll(ctx, namespace)
		all = m
		return err
	})
	if err != nil {
		s.logger.Printf("getAll %s failed, treating as empty: %v", namespace, err)
		return map[string][]byte{}, nil
	}
	return all, nil
}

// Apply performs puts and deletes on one namespace atomically: either
// every entry lands or none do. Batched reorders rely on this so two
// records can never be left sharing a position.
func (s *Store) Apply(ctx context.Context, namespace string, puts map[string][]byte, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	err := s.withRetry(func(t tier) error {
		return t.apply(ctx, namespace, puts, deletes)
	})
	return s.classifyWrite(err)
}

// classifyWrite collapses tier write errors into the store's taxonomy.
func (s *Store) classifyWrite(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrQuotaExceeded):
		return err
	case errors.Is(err, ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnknownStorage, err)
	}
}

// Close releases the backing tier.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tier == nil {
		return nil
	}
	err := s.tier.close()
	s.tier = nil
	return err
}
