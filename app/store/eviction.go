package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// eviction defaults
const (
	DefaultKeepSessions = 5
	DefaultBlobTTL      = 30 * 24 * time.Hour
	DefaultSessionTTL   = 90 * 24 * time.Hour
)

// SweepResult reports how much an eviction sweep removed.
type SweepResult struct {
	Sessions int `json:"sessions"`
	Blobs    int `json:"blobs"`
}

// Eviction implements the capacity and age deletion sweeps spanning both
// stores. Sweeps are mutually exclusive with themselves, a re-entrant call
// while one is in progress is a no-op. Callers serialize sweeps with queued
// writes through the queue's writer lock.
type Eviction struct {
	engine      Engine
	blobs       Blobs
	keep        int
	blobTTL     time.Duration
	sessionTTL  time.Duration
	concurrency int
	now         func() time.Time
	busy        int32
}

// NewEviction makes an eviction policy. Zero values select the defaults:
// keep 5 sessions on capacity sweeps, 30 days blob ceiling, 90 days session
// staleness.
func NewEviction(eng Engine, blobs Blobs, keep int, blobTTL, sessionTTL time.Duration) *Eviction {
	if keep <= 0 {
		keep = DefaultKeepSessions
	}
	if blobTTL <= 0 {
		blobTTL = DefaultBlobTTL
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Eviction{engine: eng, blobs: blobs, keep: keep, blobTTL: blobTTL,
		sessionTTL: sessionTTL, concurrency: 4, now: time.Now}
}

// EvictCapacity retains the most-recently-updated sessions up to the keep
// limit and deletes all others with their screenshots. Returns the number of
// deleted sessions. The caller must hold the writer lock.
func (e *Eviction) EvictCapacity(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&e.busy, 0, 1) {
		log.Printf("[DEBUG] eviction already in progress, skipped")
		return 0, nil
	}
	defer atomic.StoreInt32(&e.busy, 0)

	sessions, err := e.loadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("capacity eviction failed: %w", err)
	}

	victims := staleFirst(sessions)
	if len(victims) <= e.keep {
		e.touchCleanup(ctx)
		return 0, nil
	}
	victims = victims[:len(victims)-e.keep] // oldest first, most recent e.keep survive

	for _, s := range victims {
		delete(sessions, s.Key)
	}
	if err := e.saveSessions(ctx, sessions); err != nil {
		return 0, fmt.Errorf("capacity eviction failed: %w", err)
	}

	blobCount := e.cascade(ctx, victims)
	log.Printf("[INFO] capacity eviction removed %d sessions and %d screenshots, %d retained",
		len(victims), blobCount, len(sessions))
	e.touchCleanup(ctx)
	return len(victims), nil
}

// EvictAge deletes screenshots older than the blob ceiling and sessions whose
// updated time is older than the session staleness window. Runs at most once
// per UTC day, extra calls no-op. Blobs go first so a session is never gone
// while its blobs linger unindexed.
func (e *Eviction) EvictAge(ctx context.Context) (SweepResult, error) {
	if !atomic.CompareAndSwapInt32(&e.busy, 0, 1) {
		log.Printf("[DEBUG] eviction already in progress, skipped")
		return SweepResult{}, nil
	}
	defer atomic.StoreInt32(&e.busy, 0)

	now := e.now()
	settings, err := e.loadSettings(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("age eviction failed: %w", err)
	}
	if sameUTCDay(settings.LastCleanupAt, now) {
		log.Printf("[DEBUG] age eviction already ran today, skipped")
		return SweepResult{}, nil
	}

	res := SweepResult{}

	// aged blobs first, regardless of the owning session's state
	count, err := e.blobs.DeleteOlderThan(ctx, now.Add(-e.blobTTL))
	if err != nil {
		log.Printf("[WARN] skipped aged screenshots cleanup: %v", err) // partial failure is not fatal
	} else {
		res.Blobs = count
	}

	sessions, err := e.loadSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("age eviction failed: %w", err)
	}

	cutoff := now.Add(-e.sessionTTL)
	var victims []Session
	for key, s := range sessions {
		if s.UpdatedAt.Before(cutoff) {
			victims = append(victims, s)
			delete(sessions, key)
		}
	}

	if len(victims) > 0 {
		if err := e.saveSessions(ctx, sessions); err != nil {
			return res, fmt.Errorf("age eviction failed: %w", err)
		}
		res.Sessions = len(victims)
		res.Blobs += e.cascade(ctx, victims)
	}

	e.touchCleanup(ctx)
	log.Printf("[INFO] age eviction removed %d sessions and %d screenshots", res.Sessions, res.Blobs)
	return res, nil
}

// cascade deletes screenshots of the passed sessions with bounded
// concurrency, returns the number of deleted blobs. Failures are tolerated
// and reported as zero for the affected session.
func (e *Eviction) cascade(ctx context.Context, victims []Session) int {
	var total int64
	gr := syncs.NewSizedGroup(e.concurrency, syncs.Context(ctx))
	for _, victim := range victims {
		key := victim.Key
		gr.Go(func(ctx context.Context) {
			count, err := e.blobs.DeleteByOwner(ctx, key)
			if err != nil {
				log.Printf("[WARN] skipped screenshots cleanup for %s: %v", key, err)
				return
			}
			atomic.AddInt64(&total, int64(count))
		})
	}
	gr.Wait()
	return int(total)
}

// touchCleanup records the sweep time in settings, best effort
func (e *Eviction) touchCleanup(ctx context.Context) {
	settings, err := e.loadSettings(ctx)
	if err != nil {
		log.Printf("[WARN] failed to load settings for cleanup stamp: %v", err)
		return
	}
	settings.LastCleanupAt = e.now()
	raw, err := encodeSettings(settings)
	if err != nil {
		log.Printf("[WARN] failed to encode settings: %v", err)
		return
	}
	if err := e.engine.SetAll(ctx, map[string]json.RawMessage{SettingsKey: raw}); err != nil {
		log.Printf("[WARN] failed to save cleanup stamp: %v", err)
	}
}

func (e *Eviction) loadSessions(ctx context.Context) (map[string]Session, error) {
	vals, err := e.engine.GetAll(ctx, []string{SessionsKey})
	if err != nil {
		return nil, err
	}
	return decodeSessions(vals[SessionsKey])
}

func (e *Eviction) saveSessions(ctx context.Context, sessions map[string]Session) error {
	raw, err := encodeSessions(sessions)
	if err != nil {
		return err
	}
	return e.engine.SetAll(ctx, map[string]json.RawMessage{SessionsKey: raw})
}

func (e *Eviction) loadSettings(ctx context.Context) (Settings, error) {
	vals, err := e.engine.GetAll(ctx, []string{SettingsKey})
	if err != nil {
		return Settings{}, err
	}
	return decodeSettings(vals[SettingsKey])
}

// staleFirst returns sessions ordered by updated time ascending
func staleFirst(sessions map[string]Session) []Session {
	res := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	return res
}

func sameUTCDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
