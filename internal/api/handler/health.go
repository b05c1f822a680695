package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	ping   func(ctx context.Context) error
	active func() int
}

// NewHealthHandler creates a new health handler. Either function may be nil.
func NewHealthHandler(ping func(ctx context.Context) error, active func() int) *HealthHandler {
	return &HealthHandler{ping: ping, active: active}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.active != nil {
		body["active_runs"] = h.active()
	}

	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}

	c.JSON(http.StatusOK, body)
}
