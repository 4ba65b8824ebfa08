package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// BlobRec is a stored screenshot with its ownership and index columns.
type BlobRec struct {
	ID        string `db:"id"`
	MarkerID  string `db:"marker_id"`
	Owner     string `db:"owner"` // owning session key
	Payload   []byte `db:"payload"`
	CreatedAt int64  `db:"created_at"` // unix seconds
	Size      int64  `db:"size"`
}

// BlobDB implements the blob backend over SQLite, indexed by owning session
// key and creation time for range deletes.
type BlobDB struct {
	db *sqlx.DB
}

// blobMigrations is the versioned schema upgrade ladder, applied in order on
// open. PRAGMA user_version tracks the last applied step.
var blobMigrations = []string{
	`CREATE TABLE IF NOT EXISTS screenshots (
		id         TEXT PRIMARY KEY,
		marker_id  TEXT NOT NULL,
		owner      TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		size       INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_screenshots_owner ON screenshots(owner)`,
	`CREATE INDEX IF NOT EXISTS idx_screenshots_created_at ON screenshots(created_at)`,
}

// NewBlobDB opens (or creates) a blob store at dbPath, upgrading the schema
// to the current version if needed.
func NewBlobDB(dbPath string) (*BlobDB, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &BlobDB{db: db}
	if err := res.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return res, nil
}

func (b *BlobDB) migrate() error {
	var version int
	if err := b.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > len(blobMigrations) {
		return fmt.Errorf("blob schema version %d is newer than supported %d", version, len(blobMigrations))
	}
	for i := version; i < len(blobMigrations); i++ {
		if _, err := b.db.Exec(blobMigrations[i]); err != nil {
			return fmt.Errorf("failed to apply blob migration %d: %w", i+1, err)
		}
		if _, err := b.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			return fmt.Errorf("failed to bump schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// Put stores or replaces a blob record.
func (b *BlobDB) Put(ctx context.Context, rec BlobRec) error {
	_, err := b.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO screenshots (id, marker_id, owner, payload, created_at, size)
		VALUES (:id, :marker_id, :owner, :payload, :created_at, :size)`, rec)
	if err != nil {
		return fmt.Errorf("failed to put blob %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a blob record by id, second result is false if absent.
func (b *BlobDB) Get(ctx context.Context, id string) (BlobRec, bool, error) {
	var rec BlobRec
	err := b.db.GetContext(ctx, &rec, "SELECT id, marker_id, owner, payload, created_at, size FROM screenshots WHERE id=?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobRec{}, false, nil
	}
	if err != nil {
		return BlobRec{}, false, fmt.Errorf("failed to get blob %s: %w", id, err)
	}
	return rec, true, nil
}

// Delete removes a blob by id, returns false if it wasn't there.
func (b *BlobDB) Delete(ctx context.Context, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM screenshots WHERE id=?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return count > 0, nil
}

// DeleteByOwner range-deletes all blobs owned by the given session key,
// returns the number of deleted records.
func (b *BlobDB) DeleteByOwner(ctx context.Context, owner string) (int, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM screenshots WHERE owner=?", owner)
	if err != nil {
		return 0, fmt.Errorf("failed to delete blobs for %s: %w", owner, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(count), nil
}

// DeleteOlderThan range-deletes all blobs created before the cutoff, returns
// the number of deleted records.
func (b *BlobDB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM screenshots WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete blobs older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(count), nil
}

// Count reports the number of stored blobs and their total payload bytes.
func (b *BlobDB) Count(ctx context.Context) (count int, totalBytes int64, err error) {
	row := struct {
		Count int           `db:"count"`
		Total sql.NullInt64 `db:"total"`
	}{}
	if err := b.db.GetContext(ctx, &row, "SELECT COUNT(*) AS count, SUM(size) AS total FROM screenshots"); err != nil {
		return 0, 0, fmt.Errorf("failed to count blobs: %w", err)
	}
	return row.Count, row.Total.Int64, nil
}

// Close closes the database connection.
func (b *BlobDB) Close() error {
	return b.db.Close()
}
