package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhruvsoni1802/portal-gateway/internal/session"
)

// Server represents the HTTP API server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	manager *session.Manager
}

// NewServer creates a new HTTP server. redis may be nil when Redis is disabled.
func NewServer(port string, manager *session.Manager, gateway *Gateway, pool PoolStats, redis Pinger) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(RecoveryMiddleware)
	router.Use(middleware.RequestID)
	router.Use(LoggingMiddleware)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	handlers := NewHandlers(manager, pool, redis)

	router.Get("/ws", gateway.HandleWebSocket)
	router.Get("/healthz", handlers.Health)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/debug/pool", handlers.PoolMetrics)

	router.Route("/sessions", func(r chi.Router) {
		r.Get("/", handlers.ListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetSession)
			r.Delete("/", handlers.CloseSession)
		})
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		router:  router,
		server:  server,
		manager: manager,
	}
}

// Handler exposes the routes, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.server.Addr)

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting connections, then closes every session
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")

	err := s.server.Shutdown(ctx)
	s.manager.CloseAll()
	if err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	slog.Info("HTTP server stopped")
	return nil
}
