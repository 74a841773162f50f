// Package api exposes the compilation pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/gateway"
	"github.com/dontdude/goxtex/internal/metrics"
	"github.com/dontdude/goxtex/internal/platform/web"
	"github.com/dontdude/goxtex/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// writeSlack is added to the sync wait bound for the response write timeout.
	writeSlack = 15 * time.Second
)

// Deps are the collaborators of a Server. Archive, Limiter and Registry are optional.
type Deps struct {
	Gateway *gateway.Gateway
	Archive store.Store
	Limiter *web.RateLimiter
	// Registry receives HTTP metrics and backs GET /metrics.
	Registry *prometheus.Registry
	Recorder metrics.Recorder

	// Mode is the default response mode, config.ModeSync or config.ModeAsync.
	Mode           string
	MaxUploadBytes int64
	MaxSyncWait    time.Duration

	Logger *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router      *chi.Mux
	gw          *gateway.Gateway
	archive     store.Store
	limiter     *web.RateLimiter
	registry    *prometheus.Registry
	httpMetrics *httpMetrics
	recorder    metrics.Recorder

	mode           string
	maxUploadBytes int64
	maxSyncWait    time.Duration

	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps) *Server {
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Mode == "" {
		d.Mode = config.ModeSync
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 10 << 20
	}
	if d.MaxSyncWait <= 0 {
		d.MaxSyncWait = 30 * time.Second
	}

	srv := &Server{
		router:         chi.NewRouter(),
		gw:             d.Gateway,
		archive:        d.Archive,
		limiter:        d.Limiter,
		registry:       d.Registry,
		httpMetrics:    newHTTPMetrics(d.Registry),
		recorder:       metrics.OrNoop(d.Recorder),
		mode:           d.Mode,
		maxUploadBytes: d.MaxUploadBytes,
		maxSyncWait:    d.MaxSyncWait,
		logger:         d.Logger,
		addr:           addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.httpMetrics.middleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", ownerHeader},
		ExposedHeaders:   []string{"X-Request-Id", jobIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/compile", s.handleCompile)
	})

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/artifact", s.handleGetArtifact)
		r.Get("/{id}/ws", s.handleWatchJob)
		r.Delete("/{id}", s.handleCancelJob)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.maxSyncWait + writeSlack,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
