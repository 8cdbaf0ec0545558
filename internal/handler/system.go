package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health 健康检查
// GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"devices":   len(h.gateway.ConnectedDevices()),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	})
}
