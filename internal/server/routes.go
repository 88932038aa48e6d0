package server

import (
	"github.com/rpclens/rpclens/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Standard health endpoints
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)

	// Version endpoint
	s.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	s.router.Get("/metrics", MetricsHandler)

	// Pool observability
	stats := handlers.NewStatsHandler(s.engine)
	s.router.Get("/stats", stats.Stats)
	s.router.Get("/pool", stats.Pool)

	// JSON-RPC passthrough
	rpc := handlers.NewRPCHandler(s.engine)
	s.router.Post("/rpc", rpc.Handle)
}
