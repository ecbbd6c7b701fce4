package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/monitor"
	"github.com/kozaktomas/facewatch/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	monitor    *monitor.Monitor
	history    database.DetectionReader
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server. history may be nil when no database
// is configured.
func NewServer(cfg *config.Config, m *monitor.Monitor, history database.DetectionReader) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:  cfg,
		monitor: m,
		history: history,
		router:  r,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger())
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No read or write timeouts: event streams, websockets and MJPEG
		// previews stay open. Request bodies are bounded by the handlers.
	}

	// Long-lived responses watch the request context, so the base context
	// is cancelled as soon as shutdown begins.
	base, cancel := context.WithCancel(context.Background())
	s.httpServer.BaseContext = func(net.Listener) context.Context { return base }
	s.httpServer.RegisterOnShutdown(cancel)

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Starting web server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
