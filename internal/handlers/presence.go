package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teampulse/teampulse/internal/presence"
	"github.com/teampulse/teampulse/internal/rooms"
	"github.com/teampulse/teampulse/pkg/response"
)

// PresenceHandler exposes read-only presence and occupancy queries to other
// backend services.
type PresenceHandler struct {
	registry    *presence.Registry
	coordinator *rooms.Coordinator
}

// NewPresenceHandler constructs a presence query handler.
func NewPresenceHandler(registry *presence.Registry, coordinator *rooms.Coordinator) *PresenceHandler {
	return &PresenceHandler{registry: registry, coordinator: coordinator}
}

// UserPresence reports whether a user has any live connection.
func (h *PresenceHandler) UserPresence(c *gin.Context) {
	userID := c.Param("id")
	connections := h.registry.Connections(c.Request.Context(), userID)

	response.Success(c, http.StatusOK, gin.H{
		"user_id":     userID,
		"online":      len(connections) > 0,
		"connections": len(connections),
	})
}

// RoomOccupancy reports the distinct users currently in a room.
func (h *PresenceHandler) RoomOccupancy(c *gin.Context) {
	roomID := c.Param("id")
	occupants := h.coordinator.Occupants(roomID)

	response.Success(c, http.StatusOK, gin.H{
		"room_id":   roomID,
		"count":     len(occupants),
		"occupants": occupants,
	})
}
