package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/events"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/logger"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceStatus 设备状态：实时会话 + 在线记录
type DeviceStatus struct {
	DeviceID  string               `json:"device_id"`
	Connected bool                 `json:"connected"`
	Session   *gateway.SessionInfo `json:"session,omitempty"`
	Presence  interface{}          `json:"presence,omitempty"`
}

type speechRequest struct {
	Message string `json:"message" binding:"required"`
}

// ListDevices 在线设备列表，附带会话快照
// GET /api/devices
func (h *Handlers) ListDevices(c *gin.Context) {
	ids := h.gateway.ConnectedDevices()
	response.Success(c, "Query successful", gin.H{
		"devices":  ids,
		"sessions": h.gateway.Sessions(),
		"count":    len(ids),
	})
}

// GetDevice 设备状态
// GET /api/devices/:id
func (h *Handlers) GetDevice(c *gin.Context) {
	deviceID := c.Param("id")
	status := DeviceStatus{DeviceID: deviceID}

	if info, ok := h.gateway.Session(deviceID); ok {
		status.Connected = true
		status.Session = &info
	}
	if h.presence != nil {
		if p, ok := h.presence.Lookup(c.Request.Context(), deviceID); ok {
			status.Presence = p
		}
	}
	if status.Session == nil && status.Presence == nil {
		response.FailWithStatus(c, http.StatusNotFound, "Device not found", nil)
		return
	}
	response.Success(c, "Query successful", status)
}

// SendDeviceSpeech 向设备播报文本
// POST /api/devices/:id/tts
func (h *Handlers) SendDeviceSpeech(c *gin.Context) {
	deviceID := c.Param("id")
	var req speechRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		response.FailWithStatus(c, http.StatusBadRequest, "message is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.speechTimeout)
	defer cancel()
	if err := h.gateway.SendSpeech(ctx, deviceID, req.Message); err != nil {
		if errors.Is(err, gateway.ErrDeviceNotConnected) {
			response.FailWithStatus(c, http.StatusNotFound, "Device not connected", nil)
			return
		}
		logger.Warn("语音播报失败", zap.String("device_id", deviceID), zap.Error(err))
		response.FailWithStatus(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	events.PublishEvent(events.SpeechDispatched, map[string]interface{}{
		"device_id": deviceID,
		"message":   req.Message,
	}, "api")
	response.Success(c, "Speech sent", gin.H{"device_id": deviceID})
}

// GetDeviceConfig 设备配网信息，external_url 参数可覆盖配置的外部地址
// GET /api/devices/:id/config
func (h *Handlers) GetDeviceConfig(c *gin.Context) {
	deviceID := c.Param("id")
	cfg, err := h.provisioning.Build(deviceID, c.Query("external_url"))
	if err != nil {
		response.FailWithStatus(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	logger.Info("生成设备配置", zap.String("device_id", deviceID), zap.String("websocket_url", cfg.WebsocketURL))
	response.Success(c, "Success", cfg)
}
