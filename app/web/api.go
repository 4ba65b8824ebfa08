package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/Divinical/Waymark/app/store"
)

// APISession represents a session in JSON API response, markers sorted by
// video timestamp
type APISession struct {
	Key         string      `json:"key"`
	URL         string      `json:"url,omitempty"`
	VideoTitle  string      `json:"video_title,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitzero"`
	UpdatedAt   time.Time   `json:"updated_at,omitzero"`
	Finalized   bool        `json:"finalized"`
	MarkerCount int         `json:"marker_count"`
	Markers     []APIMarker `json:"markers,omitempty"`
}

// APIMarker represents a timestamped marker in JSON API response
type APIMarker struct {
	ID           string    `json:"id"`
	Timestamp    float64   `json:"timestamp"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	ScreenshotID string    `json:"screenshot_id,omitempty"`
}

// APIStatsResponse aggregates primary and blob store usage
type APIStatsResponse struct {
	SizeBytes    int64     `json:"size_bytes"`
	QuotaLimit   int64     `json:"quota_limit"`
	UsedPct      float64   `json:"used_pct"`
	SessionCount int       `json:"session_count"`
	MarkerCount  int       `json:"marker_count"`
	Screenshots  int       `json:"screenshots"`
	BlobBytes    int64     `json:"blob_bytes"`
	Timestamp    time.Time `json:"timestamp"`
}

// APIDeleteResponse reports the outcome of a session delete
type APIDeleteResponse struct {
	Key          string `json:"key"`
	DeletedBlobs int    `json:"deleted_blobs"`
}

// APICleanupResponse reports the outcome of an age sweep
type APICleanupResponse struct {
	Sessions int `json:"sessions"`
	Blobs    int `json:"blobs"`
}

// APIImportResponse reports whether the snapshot was applied
type APIImportResponse struct {
	Applied bool `json:"applied"`
}

// toAPISession converts store.Session to APISession
func toAPISession(sess store.Session, withMarkers bool) APISession {
	res := APISession{
		Key:         sess.Key,
		URL:         sess.URL,
		VideoTitle:  sess.VideoTitle,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
		Finalized:   sess.Finalized,
		MarkerCount: len(sess.Markers),
	}
	if !withMarkers {
		return res
	}
	for _, m := range sess.SortedMarkers() {
		res.Markers = append(res.Markers, APIMarker{
			ID:           m.ID,
			Timestamp:    m.Timestamp,
			Title:        m.Title,
			CreatedAt:    m.CreatedAt,
			ScreenshotID: m.ScreenshotID,
		})
	}
	return res
}

// handleListSessions returns all sessions, most recently updated first,
// without marker bodies - designed for CLI/jq consumption
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.storage.List(r.Context())
	res := make([]APISession, 0, len(sessions))
	for _, sess := range sessions {
		res = append(res, toAPISession(sess, false))
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleGetSession returns a single session with its markers
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		s.writeJSONError(w, http.StatusBadRequest, "session key required")
		return
	}
	sess, found := s.storage.Get(r.Context(), key)
	if !found {
		s.writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPISession(sess, true))
}

// handleDeleteSession removes a session with its screenshots. Deleting an
// absent session succeeds, the operation is idempotent.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		s.writeJSONError(w, http.StatusBadRequest, "session key required")
		return
	}
	count, err := s.storage.Delete(r.Context(), key)
	if err != nil {
		log.Printf("[ERROR] failed to delete session %s: %v", key, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	s.writeJSON(w, http.StatusOK, APIDeleteResponse{Key: key, DeletedBlobs: count})
}

// handleStats returns aggregated usage for both stores
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.storage.Stats(r.Context())

	res := APIStatsResponse{
		SizeBytes:    stats.SizeBytes,
		QuotaLimit:   s.quotaLimit,
		SessionCount: stats.SessionCount,
		MarkerCount:  stats.MarkerCount,
		Timestamp:    time.Now(),
	}
	if s.quotaLimit > 0 {
		res.UsedPct = float64(stats.SizeBytes) / float64(s.quotaLimit) * 100
	}

	if s.blobs != nil {
		blobStats, err := s.blobs.Stats(r.Context())
		if err != nil {
			log.Printf("[WARN] blob stats unavailable: %v", err)
		} else {
			res.Screenshots = blobStats.Count
			res.BlobBytes = blobStats.TotalBytes
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleGetSettings returns the stored preferences
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.storage.Settings(r.Context()))
}

// handleSetSettings replaces the stored preferences
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	if err := s.storage.SetSettings(r.Context(), settings); err != nil {
		log.Printf("[ERROR] failed to save settings: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// handleExport returns the full primary store snapshot
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ex, err := s.storage.ExportAll(r.Context())
	if err != nil {
		log.Printf("[ERROR] export failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=waymark-export.json")
	s.writeJSON(w, http.StatusOK, ex)
}

// handleImport replaces the primary store content with the posted snapshot
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var ex store.Export
	if err := json.NewDecoder(r.Body).Decode(&ex); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid export payload")
		return
	}

	applied, err := s.storage.ImportAll(r.Context(), ex)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] import failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "import failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIImportResponse{Applied: applied})
}

// handleCleanup triggers the age sweep, a same-day repeat is a no-op
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.storage.SweepAge(r.Context())
	if err != nil {
		log.Printf("[ERROR] cleanup failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APICleanupResponse{Sessions: res.Sessions, Blobs: res.Blobs})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
