package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	iauth "github.com/teampulse/teampulse/internal/auth"
	"github.com/teampulse/teampulse/internal/handlers"
	"github.com/teampulse/teampulse/internal/middleware"
	"github.com/teampulse/teampulse/internal/monitoring"
	"github.com/teampulse/teampulse/internal/presence"
	"github.com/teampulse/teampulse/internal/realtime"
	"github.com/teampulse/teampulse/internal/rooms"
)

// Deps carries the constructed services the router exposes over HTTP.
type Deps struct {
	Hub         *realtime.Hub
	Coordinator *rooms.Coordinator
	Registry    *presence.Registry
	JWT         *iauth.JWTService
	Health      *monitoring.HealthManager

	MetricsEnabled bool
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("room coordinator must be provided")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("presence registry must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthManager()
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Health endpoint (public)
	healthHandler := handlers.NewHealthHandler(deps.Health)
	r.GET("/health", healthHandler.Check)

	if deps.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// Websocket entry point; authenticates via token query param or header.
	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub, deps.JWT)
	r.GET("/ws", realtimeHandler.Stream)

	// Service-to-service routes
	requireAuth := middleware.Auth(deps.JWT)
	api := r.Group("/api")
	api.Use(requireAuth)

	notifyHandler := handlers.NewNotificationHandler(deps.Coordinator, deps.Registry)
	api.POST("/notify", notifyHandler.Notify)

	presenceHandler := handlers.NewPresenceHandler(deps.Registry, deps.Coordinator)
	api.GET("/presence/users/:id", presenceHandler.UserPresence)
	api.GET("/presence/rooms/:id", presenceHandler.RoomOccupancy)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
