// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kjanat/gpg-signing-service/internal/audit"
	"github.com/kjanat/gpg-signing-service/internal/auth"
	"github.com/kjanat/gpg-signing-service/internal/config"
	"github.com/kjanat/gpg-signing-service/internal/handler"
	"github.com/kjanat/gpg-signing-service/internal/keystore"
	"github.com/kjanat/gpg-signing-service/internal/middleware"
	"github.com/kjanat/gpg-signing-service/internal/pgp"
	"github.com/kjanat/gpg-signing-service/internal/ratelimit"
	"github.com/kjanat/gpg-signing-service/internal/tasks"
)

// Deps are the assembled collaborators the server routes requests to.
type Deps struct {
	Verifier    auth.Verifier
	Limiter     ratelimit.Limiter
	Keys        keystore.Store
	Signer      *pgp.Signer
	AuditWriter audit.Writer
	AuditReader audit.Reader
	AuditPinger handler.Pinger
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *zap.Logger
	runner     *tasks.Runner
}

// New creates a new Server instance.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		config: cfg,
		logger: logger,
		runner: tasks.NewRunner(),
	}

	s.setupMiddleware()
	s.setupRoutes(deps)
	s.setupHTTPServer()

	return s
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware() {
	// Apply middleware in order (first applied = outermost)
	s.router.Use(mux.MiddlewareFunc(middleware.Recovery(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.RequestID()))

	if s.config.MetricsEnabled {
		s.router.Use(mux.MiddlewareFunc(middleware.Metrics()))
	}

	s.router.Use(mux.MiddlewareFunc(middleware.Logging(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.CORS(s.config.AllowedOrigins)))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes(deps Deps) {
	signHandler := handler.NewSignHandler(
		deps.Verifier,
		deps.Limiter,
		deps.Keys,
		deps.Signer,
		deps.AuditWriter,
		deps.AuditPinger,
		s.runner,
		s.config.DefaultKeyID,
		s.logger,
	)
	signHandler.RegisterRoutes(s.router)

	adminHandler := handler.NewAdminHandler(
		auth.NewAdminAuthenticator(s.config.AdminToken),
		deps.Keys,
		deps.AuditWriter,
		deps.AuditReader,
		s.runner,
		s.config.KeyPassphrase,
		s.logger,
	)
	adminHandler.RegisterRoutes(s.router)

	if s.config.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = handler.NotFound(s.logger)
	s.router.MethodNotAllowedHandler = handler.MethodNotAllowed(s.logger)
}

// setupHTTPServer configures the HTTP server.
func (s *Server) setupHTTPServer() {
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		zap.String("address", s.config.Address()),
		zap.Bool("metrics_enabled", s.config.MetricsEnabled),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen and serve: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server, then drains pending
// background audit writes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := s.runner.Drain(ctx); err != nil {
		s.logger.Warn("background tasks did not drain before deadline", zap.Error(err))
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Router returns the server's router for testing purposes.
func (s *Server) Router() *mux.Router {
	return s.router
}
