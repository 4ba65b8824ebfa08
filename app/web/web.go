// Package web implements the json api server for waymark storage
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/Divinical/Waymark/app/blob"
	"github.com/Divinical/Waymark/app/store"
)

//go:generate moq -out mocks/storage.go -pkg mocks -skip-ensure -fmt goimports . Storage
//go:generate moq -out mocks/blob_stats.go -pkg mocks -skip-ensure -fmt goimports . BlobStats

// Storage defines the session store operations exposed over the api
type Storage interface {
	List(ctx context.Context) []store.Session
	Get(ctx context.Context, key string) (store.Session, bool)
	Delete(ctx context.Context, key string) (int, error)
	Stats(ctx context.Context) store.Stats
	Settings(ctx context.Context) store.Settings
	SetSettings(ctx context.Context, settings store.Settings) error
	ExportAll(ctx context.Context) (store.Export, error)
	ImportAll(ctx context.Context, ex store.Export) (bool, error)
	SweepAge(ctx context.Context) (store.SweepResult, error)
}

// BlobStats reports screenshot store usage
type BlobStats interface {
	Stats(ctx context.Context) (blob.Stats, error)
}

// Server represents the api server
type Server struct {
	storage       Storage
	blobs         BlobStats
	version       string
	passwordHash  string // bcrypt hash for basic auth, empty disables auth
	quotaLimit    int64
	importLimiter *limiter.Limiter // caps import attempts, the endpoint rewrites the whole store
}

// Config holds server configuration
type Config struct {
	Storage      Storage
	Blobs        BlobStats
	Version      string
	PasswordHash string // bcrypt hash for basic auth (empty to disable)
	QuotaLimit   int64  // reported in stats responses
}

// New creates an api server
func New(cfg Config) (*Server, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("api server initialization failed: Storage is required")
	}
	quotaLimit := cfg.QuotaLimit
	if quotaLimit <= 0 {
		quotaLimit = store.DefaultQuotaLimit
	}
	return &Server{
		storage:       cfg.Storage,
		blobs:         cfg.Blobs,
		version:       cfg.Version,
		passwordHash:  cfg.PasswordHash,
		quotaLimit:    quotaLimit,
		importLimiter: tollbooth.NewLimiter(1, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Minute}),
	}, nil
}

// Run starts the api server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown api server: %v", err)
		}
	}()

	log.Printf("[INFO] starting api server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("waymark", "divinical", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(8*1024*1024), // import payloads carry the full snapshot
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /sessions", s.handleListSessions)
		api.HandleFunc("GET /sessions/{key}", s.handleGetSession)
		api.HandleFunc("DELETE /sessions/{key}", s.handleDeleteSession)
		api.HandleFunc("GET /stats", s.handleStats)
		api.HandleFunc("GET /settings", s.handleGetSettings)
		api.HandleFunc("PUT /settings", s.handleSetSettings)
		api.HandleFunc("GET /export", s.handleExport)
		api.With(tollbooth.HTTPMiddleware(s.importLimiter)).HandleFunc("POST /import", s.handleImport)
		api.HandleFunc("POST /cleanup", s.handleCleanup)
	})

	return router
}
