// Package engine implements the two storage backends: a key-value store for
// session records and settings, and an indexed object store for screenshot blobs.
// Both are backed by SQLite.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/go-pkgz/lgr"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrCapacity indicates a capacity-class failure, i.e. the backend is full or
// a configured byte cap would be exceeded. Callers should not retry on it.
var ErrCapacity = errors.New("storage capacity exceeded")

// KV implements the primary key-value backend over SQLite. Values are opaque
// JSON documents keyed by a top-level collection key.
type KV struct {
	db       *sql.DB
	maxBytes int64 // 0 disables the hard cap
}

// NewKV opens (or creates) a key-value store at dbPath. maxBytes caps the
// total serialized size, 0 means unlimited.
func NewKV(dbPath string, maxBytes int64) (*KV, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	query := `CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := db.Exec(query); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create kv table: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &KV{db: db, maxBytes: maxBytes}, nil
}

// GetAll returns the stored values for the requested keys, all values if keys
// is nil. Missing keys are simply absent from the result.
func (k *KV) GetAll(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	query := "SELECT key, value FROM kv"
	args := []any{}
	if len(keys) > 0 {
		placeholders := strings.Repeat("?,", len(keys))
		query += " WHERE key IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, key := range keys {
			args = append(args, key)
		}
	}

	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query kv: %w", err)
	}
	defer rows.Close()

	res := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			log.Printf("[WARN] failed to scan kv row: %v", err)
			continue
		}
		res[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return res, nil
}

// SetAll upserts all passed values in a single transaction. Returns
// ErrCapacity if the write would push the store over its byte cap or if the
// underlying database reports a full-disk condition.
func (k *KV) SetAll(ctx context.Context, vals map[string]json.RawMessage) error {
	if len(vals) == 0 {
		return nil
	}

	if k.maxBytes > 0 {
		size, err := k.Size(ctx)
		if err != nil {
			return fmt.Errorf("failed to measure kv size: %w", err)
		}
		var delta int64
		for key, val := range vals {
			delta += int64(len(key) + len(val))
		}
		if size+delta > k.maxBytes {
			return fmt.Errorf("write of %d bytes over %d used with cap %d: %w", delta, size, k.maxBytes, ErrCapacity)
		}
	}

	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // rollback after commit is a no-op

	for key, val := range vals {
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", key, string(val)); err != nil {
			if isFullErr(err) {
				return fmt.Errorf("failed to save key %s: %v: %w", key, err, ErrCapacity)
			}
			return fmt.Errorf("failed to save key %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isFullErr(err) {
			return fmt.Errorf("failed to commit: %v: %w", err, ErrCapacity)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Clear removes all keys.
func (k *KV) Clear(ctx context.Context) error {
	if _, err := k.db.ExecContext(ctx, "DELETE FROM kv"); err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	return nil
}

// Size reports the total serialized size of all keys and values in bytes.
func (k *KV) Size(ctx context.Context) (int64, error) {
	var size sql.NullInt64
	err := k.db.QueryRowContext(ctx, "SELECT SUM(LENGTH(key) + LENGTH(value)) FROM kv").Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to measure kv size: %w", err)
	}
	return size.Int64, nil
}

// Close closes the database connection.
func (k *KV) Close() error {
	return k.db.Close()
}

// isFullErr detects sqlite disk-full class failures
func isFullErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database or disk is full")
}
