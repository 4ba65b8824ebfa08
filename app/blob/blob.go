// Package blob manages the screenshot lifecycle over the blob backend. It
// derives deterministic blob ids from marker ids, bounds every backend call
// with a timeout and keeps "backend unavailable" distinct from "not found" so
// callers can degrade instead of failing the whole operation.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/Divinical/Waymark/app/engine"
)

// ErrUnavailable indicates the blob backend can't be reached right now.
// Distinct from not-found; callers should degrade, not fail.
var ErrUnavailable = errors.New("blob backend unavailable")

// ErrUnsupported indicates the store was constructed without a backend, i.e.
// the screenshot subsystem is disabled.
var ErrUnsupported = errors.New("blob storage not supported")

//go:generate moq -out mocks/backend.go -pkg mocks -skip-ensure -fmt goimports . Backend

// Backend defines the raw object store operations used by Store
type Backend interface {
	Put(ctx context.Context, rec engine.BlobRec) error
	Get(ctx context.Context, id string) (engine.BlobRec, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByOwner(ctx context.Context, owner string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (count int, totalBytes int64, err error)
}

// Stats holds aggregate blob storage numbers for user-facing displays.
type Stats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
	AvgBytes   int64 `json:"avg_bytes"`
}

// Store is a typed screenshot store. Safe with a nil backend, in which case
// all operations return ErrUnsupported.
type Store struct {
	backend Backend
	timeout time.Duration
	now     func() time.Time
}

// New makes a Store over the given backend, nil disables the subsystem.
// Timeout bounds each backend call, 0 defaults to 10s.
func New(backend Backend, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{backend: backend, timeout: timeout, now: time.Now}
}

// Enabled reports whether a backend is attached.
func (s *Store) Enabled() bool { return s.backend != nil }

// ID derives the deterministic blob id for a marker id. Re-storing a
// screenshot for the same marker overwrites the previous one.
func ID(markerID string) string {
	h := sha256.Sum256([]byte(markerID))
	return hex.EncodeToString(h[:16])
}

// Save stores a screenshot payload for the given marker and owning session,
// returns the blob id.
func (s *Store) Save(ctx context.Context, markerID, sessionKey string, payload []byte) (string, error) {
	if s.backend == nil {
		return "", ErrUnsupported
	}
	if markerID == "" || sessionKey == "" {
		return "", fmt.Errorf("marker id and session key required")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("empty payload")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := ID(markerID)
	rec := engine.BlobRec{
		ID:        id,
		MarkerID:  markerID,
		Owner:     sessionKey,
		Payload:   payload,
		CreatedAt: s.now().Unix(),
		Size:      int64(len(payload)),
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store screenshot for marker %s: %v: %w", markerID, err, ErrUnavailable)
	}
	log.Printf("[DEBUG] stored screenshot %s for marker %s, %d bytes", id, markerID, len(payload))
	return id, nil
}

// Get returns the payload for a blob id, second result is false if absent.
func (s *Store) Get(ctx context.Context, id string) ([]byte, bool, error) {
	if s.backend == nil {
		return nil, false, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, found, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get screenshot %s: %v: %w", id, err, ErrUnavailable)
	}
	if !found {
		return nil, false, nil
	}
	return rec.Payload, true, nil
}

// Delete removes a blob by id, returns false if it wasn't there.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if s.backend == nil {
		return false, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	deleted, err := s.backend.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete screenshot %s: %v: %w", id, err, ErrUnavailable)
	}
	return deleted, nil
}

// DeleteByOwner removes all blobs owned by a session, returns the count.
func (s *Store) DeleteByOwner(ctx context.Context, sessionKey string) (int, error) {
	if s.backend == nil {
		return 0, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.backend.DeleteByOwner(ctx, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("failed to delete screenshots for session %s: %v: %w", sessionKey, err, ErrUnavailable)
	}
	if count > 0 {
		log.Printf("[DEBUG] deleted %d screenshots for session %s", count, sessionKey)
	}
	return count, nil
}

// DeleteOlderThan removes all blobs created before the cutoff, returns the count.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s.backend == nil {
		return 0, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.backend.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete screenshots older than %s: %v: %w", cutoff.Format(time.RFC3339), err, ErrUnavailable)
	}
	return count, nil
}

// Stats reports aggregate blob storage numbers. Returns zero stats with
// ErrUnsupported when the subsystem is disabled.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.backend == nil {
		return Stats{}, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, total, err := s.backend.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get blob stats: %v: %w", err, ErrUnavailable)
	}
	res := Stats{Count: count, TotalBytes: total}
	if count > 0 {
		res.AvgBytes = total / int64(count)
	}
	return res, nil
}
