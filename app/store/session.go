// Package store implements the session persistence core: the public CRUD and
// lifecycle API for session records, composed from a coalescing write queue,
// a quota monitor, eviction sweeps and the screenshot store.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrValidation indicates malformed input rejected before being queued.
// Invalid records are never persisted.
var ErrValidation = errors.New("validation failed")

// Session is the set of markers collected for one video on one calendar day.
// The key is derived from hostname, video id and UTC date, unique within the
// collection.
type Session struct {
	Key         string          `json:"key"`
	URL         string          `json:"url"`
	VideoTitle  string          `json:"video_title"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Markers     []Marker        `json:"markers"`
	ManualTimer json.RawMessage `json:"manual_timer,omitempty"` // opaque timer state owned by the caller
	Finalized   bool            `json:"finalized"`
}

// Marker is a single timestamped annotation within a session, optionally
// linked to a screenshot. The Markers slice keeps insertion order for undo;
// display order is by timestamp (see SortedMarkers).
type Marker struct {
	ID           string    `json:"id"`
	Timestamp    float64   `json:"timestamp"` // seconds into the video
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	ScreenshotID string    `json:"screenshot_id,omitempty"`
}

// Settings is a small peripheral record with capture preferences and the last
// cleanup time. Written directly to the backend, not through the write queue.
type Settings struct {
	Quality       int       `json:"quality" yaml:"quality"` // screenshot quality, 1-100
	Format        string    `json:"format" yaml:"format"`   // screenshot format, e.g. "jpeg" or "png"
	LastCleanupAt time.Time `json:"last_cleanup_at" yaml:"-"`
}

// Stats aggregates session-store numbers for user-facing storage displays.
type Stats struct {
	SizeBytes    int64 `json:"size_bytes"`
	SessionCount int   `json:"session_count"`
	MarkerCount  int   `json:"marker_count"`
}

// SortedMarkers returns markers ordered by video timestamp, the order used
// for display and export. The receiver's slice is not modified.
func (s Session) SortedMarkers() []Marker {
	res := make([]Marker, len(s.Markers))
	copy(res, s.Markers)
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp < res[j].Timestamp })
	return res
}

// Validate rejects malformed sessions before they reach the queue.
func (s Session) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return fmt.Errorf("empty session key: %w", ErrValidation)
	}
	for i, m := range s.Markers {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("marker %d: %w", i, err)
		}
	}
	return nil
}

// Validate rejects malformed markers.
func (m Marker) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("empty marker id: %w", ErrValidation)
	}
	if m.Timestamp < 0 {
		return fmt.Errorf("negative timestamp %f for marker %s: %w", m.Timestamp, m.ID, ErrValidation)
	}
	return nil
}

// VideoIDExtractor pulls a platform-specific video identifier from a URL.
// Platform parsing lives outside this layer, callers inject their own.
type VideoIDExtractor func(u *url.URL) string

// DefaultVideoID extracts the "v" query parameter, falling back to the last
// non-empty path segment.
func DefaultVideoID(u *url.URL) string {
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 0 && segments[len(segments)-1] != "" {
		return segments[len(segments)-1]
	}
	return "unknown"
}

// deriveKey builds the deterministic session key hostname|videoID|isoDate for
// the given URL and moment. Stable within one UTC day, changes at rollover.
func deriveKey(rawURL string, extract VideoIDExtractor, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("bad url %q: %w", rawURL, ErrValidation)
	}
	return fmt.Sprintf("%s|%s|%s", u.Hostname(), extract(u), now.UTC().Format("2006-01-02")), nil
}
