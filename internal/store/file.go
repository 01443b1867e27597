package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// fileTier is the simple fallback tier: the full keyspace held in one
// JSON document, rewritten atomically (temp file + rename) on every
// mutation. Slower than the durable tier but dependency-free, which is
// the point of a fallback.
type fileTier struct {
	mu   sync.Mutex
	path string
	data map[string]map[string][]byte
}

func openFileTier(path string) (*fileTier, error) {
	t := &fileTier{path: path}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *fileTier) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data = make(map[string]map[string][]byte)

	raw, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
			return fmt.Errorf("failed to create fallback directory: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read fallback store: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &t.data); err != nil {
		return fmt.Errorf("failed to parse fallback store: %w", err)
	}
	return nil
}

// flush writes the whole document. Caller holds t.mu.
func (t *fileTier) flush() error {
	raw, err := json.Marshal(t.data)
	if err != nil {
		return fmt.Errorf("failed to marshal fallback store: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			_ = os.Remove(tmp)
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return fmt.Errorf("failed to write fallback store: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace fallback store: %w", err)
	}
	return nil
}

func (t *fileTier) get(ctx context.Context, namespace, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (t *fileTier) put(ctx context.Context, namespace, key string, value []byte) error {
	return t.apply(ctx, namespace, map[string][]byte{key: value}, nil)
}

func (t *fileTier) delete(ctx context.Context, namespace, key string) error {
	return t.apply(ctx, namespace, nil, []string{key})
}

func (t *fileTier) keys(ctx context.Context, namespace string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ns := t.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *fileTier) getAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ns := t.data[namespace]
	all := make(map[string][]byte, len(ns))
	for k, v := range ns {
		out := make([]byte, len(v))
		copy(out, v)
		all[k] = out
	}
	return all, nil
}

func (t *fileTier) apply(ctx context.Context, namespace string, puts map[string][]byte, deletes []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ns := t.data[namespace]
	if ns == nil {
		ns = make(map[string][]byte)
		t.data[namespace] = ns
	}

	// Snapshot for rollback: the in-memory view must match the file if
	// the flush fails.
	prev := make(map[string][]byte, len(ns))
	for k, v := range ns {
		prev[k] = v
	}

	for key, value := range puts {
		out := make([]byte, len(value))
		copy(out, value)
		ns[key] = out
	}
	for _, key := range deletes {
		delete(ns, key)
	}

	if err := t.flush(); err != nil {
		t.data[namespace] = prev
		return err
	}
	return nil
}

func (t *fileTier) missing(err error) bool {
	if err == nil {
		return false
	}
	if _, statErr := os.Stat(t.path); os.IsNotExist(statErr) {
		return true
	}
	return false
}

func (t *fileTier) recreate() error {
	return t.load()
}

func (t *fileTier) close() error {
	return nil
}
