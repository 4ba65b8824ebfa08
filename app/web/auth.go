package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces basic auth against the configured bcrypt hash.
// User name is fixed, the hash covers the password only.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" { // health checks bypass auth
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok && username == "waymark" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="Waymark API"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
