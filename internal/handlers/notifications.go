package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teampulse/teampulse/internal/presence"
	"github.com/teampulse/teampulse/internal/rooms"
	"github.com/teampulse/teampulse/pkg/errors"
	"github.com/teampulse/teampulse/pkg/response"
	"github.com/teampulse/teampulse/pkg/validator"
)

// NotificationHandler lets other backend services push personal notifications
// through the realtime layer.
type NotificationHandler struct {
	coordinator *rooms.Coordinator
	registry    *presence.Registry
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(coordinator *rooms.Coordinator, registry *presence.Registry) *NotificationHandler {
	return &NotificationHandler{coordinator: coordinator, registry: registry}
}

type notifyRequest struct {
	UserID  string         `json:"user_id" validate:"required"`
	Payload map[string]any `json:"payload" validate:"required"`
}

// Notify delivers a payload to every live connection of the target user.
// Delivery is best effort: an offline user simply receives nothing, which the
// response reports so callers can fall back to a durable channel.
func (h *NotificationHandler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.ErrBadRequest.WithInternal(err))
		return
	}
	if err := validator.ValidateStruct(&req); err != nil {
		response.Error(c, errors.ErrBadRequest.WithInternal(err))
		return
	}

	online := h.registry.IsOnline(c.Request.Context(), req.UserID)
	if online {
		h.coordinator.NotifyUser(req.UserID, rooms.Event{
			Event: rooms.EventPersonalNotification,
			Data:  req.Payload,
		})
	}

	response.Success(c, http.StatusOK, gin.H{"delivered": online})
}
