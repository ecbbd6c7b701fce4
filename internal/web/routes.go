package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/facewatch/internal/web/handlers"
	"github.com/kozaktomas/facewatch/internal/web/middleware"
	"github.com/kozaktomas/facewatch/internal/web/static"
)

func (s *Server) setupRoutes() {
	// Create handlers
	streamsHandler := handlers.NewStreamsHandler(s.monitor)
	personsHandler := handlers.NewPersonsHandler(s.monitor)
	detectionsHandler := handlers.NewDetectionsHandler(s.monitor, s.history, s.allowWebSocketOrigin)
	configHandler := handlers.NewConfigHandler(s.config, s.monitor)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Method(http.MethodGet, "/metrics", s.monitor.Metrics().Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Web.APIToken))

		// System
		r.Get("/system/health", configHandler.SystemHealth)
		r.Get("/config", configHandler.Get)
		r.Patch("/config", configHandler.Update)

		// Streams
		r.Get("/streams", streamsHandler.List)
		r.Post("/streams", streamsHandler.Create)
		r.Get("/streams/{id}", streamsHandler.Get)
		r.Delete("/streams/{id}", streamsHandler.Delete)
		r.Post("/streams/{id}/retry", streamsHandler.Retry)
		r.Get("/streams/{id}/frame", streamsHandler.Frame)
		r.Get("/streams/{id}/mjpeg", streamsHandler.MJPEG)

		// Persons
		r.Get("/persons", personsHandler.List)
		r.Post("/persons/image", personsHandler.RegisterImage)
		r.Post("/persons/search", personsHandler.Search)
		r.Get("/persons/{id}", personsHandler.Get)
		r.Put("/persons/{id}", personsHandler.Upsert)
		r.Delete("/persons/{id}", personsHandler.Delete)
		r.Post("/persons/{id}/image", personsHandler.RegisterImage)

		// Detections
		r.Get("/detections", detectionsHandler.List)
		r.Get("/detections/events", detectionsHandler.Events)
		r.Get("/detections/ws", detectionsHandler.WebSocket)
		r.Get("/detections/history", detectionsHandler.History)
		r.Get("/detections/stats", detectionsHandler.HistoryStats)
		r.Get("/detections/{id}", detectionsHandler.Get)
		r.Get("/alerts", detectionsHandler.Alerts)
	})

	// Operator dashboard
	s.router.Handle("/*", http.FileServerFS(static.FS()))
}

// allowWebSocketOrigin accepts same-host origins plus the CORS whitelist.
func (s *Server) allowWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, allowed := range s.config.Web.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
