// Package web provides the HTTP server for the label reconciliation
// backend: the import endpoints with their SSE progress streams, the
// mapping snapshot endpoint and the admin/client JSON APIs.
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/labelflow/relabel/internal/config"
	"github.com/labelflow/relabel/internal/importer"
	"github.com/labelflow/relabel/internal/snapshot"
	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
)

// Server is the HTTP server for the label reconciliation backend.
// Authentication is assumed to be enforced upstream (reverse proxy or
// session layer); nothing here serves staged upload bytes back out.
type Server struct {
	cfg       *config.Config
	uploads   *upload.Store
	imports   *importer.Service
	snapshots *snapshot.Builder
	catalog   *store.Store
	router    *chi.Mux
	server    *http.Server
}

// NewServer creates a Server instance wired to the given services.
func NewServer(cfg *config.Config, uploads *upload.Store, imports *importer.Service, snapshots *snapshot.Builder, catalog *store.Store) *Server {
	s := &Server{
		cfg:       cfg,
		uploads:   uploads,
		imports:   imports,
		snapshots: snapshots,
		catalog:   catalog,
		router:    chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Import pipeline: upload, column confirmation, SSE apply streams
	s.router.Route("/import", func(r chi.Router) {
		r.Post("/spreadsheet", s.handleUploadSpreadsheet)
		r.Post("/spreadsheet/columns", s.handleConfirmColumns)
		r.Get("/spreadsheet/apply", s.handleApplySpreadsheet)
		r.Post("/pdf-archive", s.handleUploadArchive)
		r.Get("/pdf-archive/apply", s.handleApplyArchive)
	})

	// Published mapping snapshot
	s.router.Get("/mapping", s.handleMapping)

	// Admin API
	s.router.Route("/admin/api", func(r chi.Router) {
		r.Get("/orders", s.handleListOrders)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/{trackingNo}/pdf", s.handleDownloadPdf)
		r.Get("/zips", s.handleListZips)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSetSettings)
	})

	// Print client API
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/print/check", s.handlePrintCheck)
		r.Post("/print/report", s.handlePrintReport)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a simple token bucket rate limiter per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the specified rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

// cleanup removes stale visitor entries every minute.
func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// allow checks if the request should be allowed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: time.Now()}
		return true
	}

	if time.Since(v.lastReset) > rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = time.Now()
		return true
	}

	if v.tokens <= 0 {
		return false
	}

	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			ip = realIP
		}

		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
