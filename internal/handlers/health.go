package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teampulse/teampulse/internal/monitoring"
	"github.com/teampulse/teampulse/pkg/response"
)

// HealthHandler evaluates dependency probes on demand.
type HealthHandler struct {
	manager *monitoring.HealthManager
}

// NewHealthHandler constructs a health handler around the probe manager.
func NewHealthHandler(manager *monitoring.HealthManager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Check runs every registered probe. A degraded report still returns 200 so
// load balancers keep routing while the store fallback is active; only a down
// dependency yields 503.
func (h *HealthHandler) Check(c *gin.Context) {
	report := h.manager.Evaluate(c.Request.Context())

	status := http.StatusOK
	if report.Status == monitoring.StatusDown {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}
