package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteTier is the structured durable tier: a single kv table in an
// embedded SQLite database opened in WAL mode.
type sqliteTier struct {
	mu   sync.Mutex
	conn *sql.DB
	path string
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv(namespace);
`

// openSQLiteTier opens (creating if necessary) the durable tier at path.
func openSQLiteTier(path string) (*sqliteTier, error) {
	t := &sqliteTier{path: path}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *sqliteTier) open() error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+t.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL for concurrent readers during writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec(kvSchema); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *sqliteTier) db() *sql.DB {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *sqliteTier) get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := t.db().QueryRowContext(ctx,
		"SELECT value FROM kv WHERE namespace = ? AND key = ?",
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *sqliteTier) put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := t.db().ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return classifySQLiteErr(err)
}

func (t *sqliteTier) delete(ctx context.Context, namespace, key string) error {
	_, err := t.db().ExecContext(ctx,
		"DELETE FROM kv WHERE namespace = ? AND key = ?", namespace, key)
	return classifySQLiteErr(err)
}

func (t *sqliteTier) keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := t.db().QueryContext(ctx,
		"SELECT key FROM kv WHERE namespace = ? ORDER BY key ASC", namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

func (t *sqliteTier) getAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := t.db().QueryContext(ctx,
		"SELECT key, value FROM kv WHERE namespace = ? ORDER BY key ASC", namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		all[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return all, nil
}

func (t *sqliteTier) apply(ctx context.Context, namespace string, puts map[string][]byte, deletes []string) error {
	tx, err := t.db().BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteErr(err)
	}
	defer tx.Rollback()

	for key, value := range puts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			namespace, key, value); err != nil {
			return classifySQLiteErr(err)
		}
	}
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM kv WHERE namespace = ? AND key = ?", namespace, key); err != nil {
			return classifySQLiteErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteErr(err)
	}
	return nil
}

// missing reports conditions where the database file or schema has
// disappeared out from under an open handle.
func (t *sqliteTier) missing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "no such table") {
		return true
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.CANTOPEN, sqlite3.NOTADB, sqlite3.CORRUPT:
			return true
		}
	}
	if _, statErr := os.Stat(t.path); os.IsNotExist(statErr) {
		return true
	}
	return false
}

// recreate closes the current handle and reopens the database,
// reapplying the schema. Called at most once per failed operation.
func (t *sqliteTier) recreate() error {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	return t.open()
}

func (t *sqliteTier) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	// Checkpoint WAL so everything is persisted in the main file.
	if _, err := t.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// classifySQLiteErr maps capacity exhaustion to ErrQuotaExceeded so
// callers can tell "disk full" apart from every other failure.
func classifySQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.FULL {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	if errors.Is(err, syscall.ENOSPC) || strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
