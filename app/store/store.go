package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/Divinical/Waymark/app/blob"
)

//go:generate moq -out mocks/blobs.go -pkg mocks -skip-ensure -fmt goimports . Blobs

// Blobs defines the screenshot store operations used by the session store and
// eviction sweeps.
type Blobs interface {
	Save(ctx context.Context, markerID, sessionKey string, payload []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByOwner(ctx context.Context, sessionKey string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (blob.Stats, error)
}

// Store is the public session persistence API. Mutations go through the
// write queue under a store-level mutex, so concurrent read-modify-write
// cycles on the shared sessions collection never lose each other's edits.
// Read paths never fail, they fall back to safe defaults and log.
type Store struct {
	engine   Engine
	queue    *Queue
	blobs    Blobs
	eviction *Eviction
	videoID  VideoIDExtractor
	now      func() time.Time

	mu         sync.Mutex // serializes collection read-modify-write and lastActive
	lastActive string
}

// Params configures Store construction.
type Params struct {
	Engine   Engine
	Queue    *Queue
	Blobs    Blobs
	Eviction *Eviction
	VideoID  VideoIDExtractor // nil selects DefaultVideoID
}

// New makes a session store from the composed parts.
func New(p Params) *Store {
	res := &Store{
		engine:   p.Engine,
		queue:    p.Queue,
		blobs:    p.Blobs,
		eviction: p.Eviction,
		videoID:  p.VideoID,
		now:      time.Now,
	}
	if res.videoID == nil {
		res.videoID = DefaultVideoID
	}
	return res
}

// DeriveKey builds the deterministic session key for a video URL and the
// current UTC day.
func (s *Store) DeriveKey(rawURL string) (string, error) {
	return deriveKey(rawURL, s.videoID, s.now())
}

// Begin creates the session for the resolved key if absent, or touches the
// existing one: markers and creation time are preserved, url, title and
// updated time refreshed. An empty key derives one from the URL. The write is
// queued; the session becomes the current one either way.
func (s *Store) Begin(ctx context.Context, rawURL, title, key string) (Session, error) {
	if key == "" {
		derived, err := s.DeriveKey(rawURL)
		if err != nil {
			return Session{}, err
		}
		key = derived
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("failed to begin session %s: %w", key, err)
	}

	now := s.now()
	sess, found := sessions[key]
	if !found {
		sess = Session{Key: key, CreatedAt: now, Markers: []Marker{}}
		log.Printf("[INFO] new session %s", key)
	}
	sess.Key = key
	sess.URL = rawURL
	if title != "" {
		sess.VideoTitle = title
	}
	sess.UpdatedAt = monotonic(sess.UpdatedAt, now)
	sess.Finalized = false
	sessions[key] = sess

	if err := s.enqueueSessions(sessions); err != nil {
		return Session{}, err
	}
	s.lastActive = key
	return sess, nil
}

// Get returns the session for a key. Second result is false when absent or
// when the read failed, read paths never surface errors.
func (s *Store) Get(ctx context.Context, key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.loadSessions(ctx)
	if err != nil {
		log.Printf("[WARN] failed to read sessions: %v", err)
		return Session{}, false
	}
	sess, found := sessions[key]
	return sess, found
}

// GetCurrent resolves the active session, preferring the last active key and
// falling back to the key derived from currentURL.
func (s *Store) GetCurrent(ctx context.Context, currentURL string) (string, Session, bool) {
	s.mu.Lock()
	key := s.lastActive
	s.mu.Unlock()

	if key != "" {
		if sess, found := s.Get(ctx, key); found {
			return key, sess, true
		}
	}
	derived, err := s.DeriveKey(currentURL)
	if err != nil {
		return "", Session{}, false
	}
	sess, found := s.Get(ctx, derived)
	return derived, sess, found
}

// Save queues an eventually-consistent write of the session, bumping its
// updated time. An empty key uses the session's own. The returned channel
// reports the outcome of the coalesced write, nil on success.
func (s *Store) Save(ctx context.Context, sess Session, key string) (<-chan error, error) {
	if key != "" {
		sess.Key = key
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}

	if prev, found := sessions[sess.Key]; found && sess.CreatedAt.IsZero() {
		sess.CreatedAt = prev.CreatedAt
	}
	sess.UpdatedAt = monotonic(sess.UpdatedAt, s.now())
	sessions[sess.Key] = sess

	raw, err := encodeSessions(sessions)
	if err != nil {
		return nil, err
	}
	s.lastActive = sess.Key
	return s.queue.Enqueue(SessionsKey, raw), nil
}

// Finalize marks the session finalized and writes it immediately through the
// serialized writer, superseding any queued save for the collection. Used on
// navigation away so the final state can't be coalesced out of existence.
func (s *Store) Finalize(ctx context.Context, sess Session, key string) error {
	if key != "" {
		sess.Key = key
	}
	if err := sess.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", sess.Key, err)
	}

	if prev, found := sessions[sess.Key]; found && sess.CreatedAt.IsZero() {
		sess.CreatedAt = prev.CreatedAt
	}
	sess.Finalized = true
	sess.UpdatedAt = monotonic(sess.UpdatedAt, s.now())
	sessions[sess.Key] = sess

	raw, err := encodeSessions(sessions)
	if err != nil {
		return err
	}
	if err := s.queue.WriteNow(ctx, SessionsKey, raw); err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", sess.Key, err)
	}
	log.Printf("[INFO] finalized session %s with %d markers", sess.Key, len(sess.Markers))
	return nil
}

// List returns all sessions sorted by updated time descending. Empty on read
// failure.
func (s *Store) List(ctx context.Context) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.loadSessions(ctx)
	if err != nil {
		log.Printf("[WARN] failed to read sessions: %v", err)
		return []Session{}
	}
	res := staleFirst(sessions)
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res
}

// Delete removes a session and cascades to its screenshots, returns the
// number of deleted blobs. Idempotent, deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// blobs first so the owner index is still discoverable on partial failure
	blobCount, err := s.blobs.DeleteByOwner(ctx, key)
	if err != nil {
		log.Printf("[WARN] skipped screenshots cleanup for %s: %v", key, err)
		blobCount = 0
	}

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return blobCount, fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	if _, found := sessions[key]; !found {
		return blobCount, nil
	}
	delete(sessions, key)

	raw, err := encodeSessions(sessions)
	if err != nil {
		return blobCount, err
	}
	// immediate superseding write, a queued collection snapshot still holding
	// the session must never land after the delete
	if err := s.queue.WriteAllNow(ctx, map[string]json.RawMessage{SessionsKey: raw}); err != nil {
		return blobCount, fmt.Errorf("failed to delete session %s: %w", key, err)
	}

	if s.lastActive == key {
		s.lastActive = ""
	}
	log.Printf("[INFO] deleted session %s with %d screenshots", key, blobCount)
	return blobCount, nil
}

// AddMarker appends a timestamped marker to the session, storing the
// screenshot alongside when a payload is passed. A failing or disabled blob
// backend degrades to a marker without screenshot instead of failing the
// operation. The collection write is queued.
func (s *Store) AddMarker(ctx context.Context, key string, timestamp float64, title string, screenshot []byte) (Marker, error) {
	marker := Marker{ID: uuid.New().String(), Timestamp: timestamp, Title: title, CreatedAt: s.now()}
	if err := marker.Validate(); err != nil {
		return Marker{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return Marker{}, fmt.Errorf("failed to add marker to %s: %w", key, err)
	}
	sess, found := sessions[key]
	if !found {
		return Marker{}, fmt.Errorf("session %s not found", key)
	}

	if len(screenshot) > 0 {
		id, err := s.blobs.Save(ctx, marker.ID, key, screenshot)
		if err != nil {
			log.Printf("[WARN] marker %s stored without screenshot: %v", marker.ID, err)
		} else {
			marker.ScreenshotID = id
		}
	}

	sess.Markers = append(sess.Markers, marker) // insertion order kept for undo
	sess.UpdatedAt = monotonic(sess.UpdatedAt, s.now())
	sessions[key] = sess

	if err := s.enqueueSessions(sessions); err != nil {
		return Marker{}, err
	}
	s.lastActive = key
	return marker, nil
}

// UndoLastMarker pops the last-added marker and deletes its screenshot.
// Second result is false when the session has no markers.
func (s *Store) UndoLastMarker(ctx context.Context, key string) (Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return Marker{}, false, fmt.Errorf("failed to undo marker in %s: %w", key, err)
	}
	sess, found := sessions[key]
	if !found || len(sess.Markers) == 0 {
		return Marker{}, false, nil
	}

	marker := sess.Markers[len(sess.Markers)-1]
	sess.Markers = sess.Markers[:len(sess.Markers)-1]
	sess.UpdatedAt = monotonic(sess.UpdatedAt, s.now())
	sessions[key] = sess

	if marker.ScreenshotID != "" {
		if _, err := s.blobs.Delete(ctx, marker.ScreenshotID); err != nil {
			log.Printf("[WARN] failed to delete screenshot %s for undone marker: %v", marker.ScreenshotID, err)
		}
	}

	if err := s.enqueueSessions(sessions); err != nil {
		return Marker{}, false, err
	}
	return marker, true, nil
}

// Stats reports primary-store usage and session numbers. Zero values on read
// failure.
func (s *Store) Stats(ctx context.Context) Stats {
	res := Stats{}

	all, err := s.engine.GetAll(ctx, nil)
	if err != nil {
		log.Printf("[WARN] failed to read stats: %v", err)
		return res
	}
	for key, val := range all {
		res.SizeBytes += int64(len(key) + len(val))
	}

	sessions, err := decodeSessions(all[SessionsKey])
	if err != nil {
		log.Printf("[WARN] failed to decode sessions for stats: %v", err)
		return res
	}
	res.SessionCount = len(sessions)
	for _, sess := range sessions {
		res.MarkerCount += len(sess.Markers)
	}
	return res
}

// Settings returns the stored preferences, zero value on read failure.
func (s *Store) Settings(ctx context.Context) Settings {
	vals, err := s.engine.GetAll(ctx, []string{SettingsKey})
	if err != nil {
		log.Printf("[WARN] failed to read settings: %v", err)
		return Settings{}
	}
	settings, err := decodeSettings(vals[SettingsKey])
	if err != nil {
		log.Printf("[WARN] %v", err)
		return Settings{}
	}
	return settings
}

// SetSettings writes preferences directly, not through the queue. Settings
// changes are rare and low risk, coalescing buys nothing there.
func (s *Store) SetSettings(ctx context.Context, settings Settings) error {
	raw, err := encodeSettings(settings)
	if err != nil {
		return err
	}
	return s.queue.Serialized(func() error {
		return s.engine.SetAll(ctx, map[string]json.RawMessage{SettingsKey: raw})
	})
}

// SweepAge runs the age eviction sweep serialized with queued writes. Any
// queued collection value is committed first so the sweep sees it and no
// stale snapshot can resurrect swept sessions afterwards.
func (s *Store) SweepAge(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := s.queue.Pending(SessionsKey); ok {
		if err := s.queue.WriteAllNow(ctx, map[string]json.RawMessage{SessionsKey: raw}); err != nil {
			return SweepResult{}, fmt.Errorf("failed to flush sessions before sweep: %w", err)
		}
	}

	var res SweepResult
	err := s.queue.Serialized(func() error {
		var serr error
		res, serr = s.eviction.EvictAge(ctx)
		return serr
	})
	return res, err
}

// Close drains the queue within the passed context.
func (s *Store) Close(ctx context.Context) error {
	return s.queue.Close(ctx)
}

// loadSessions reads the collection, preferring a queued not-yet-applied
// value so callers observe their own writes. Caller holds s.mu.
func (s *Store) loadSessions(ctx context.Context) (map[string]Session, error) {
	if raw, ok := s.queue.Pending(SessionsKey); ok {
		return decodeSessions(raw)
	}
	vals, err := s.engine.GetAll(ctx, []string{SessionsKey})
	if err != nil {
		return nil, err
	}
	return decodeSessions(vals[SessionsKey])
}

// enqueueSessions encodes and queues the whole collection under its single
// key. Caller holds s.mu.
func (s *Store) enqueueSessions(sessions map[string]Session) error {
	raw, err := encodeSessions(sessions)
	if err != nil {
		return err
	}
	s.queue.Enqueue(SessionsKey, raw)
	return nil
}

// monotonic returns now unless it would move the updated time backwards
func monotonic(prev, now time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}
