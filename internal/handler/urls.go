package handlers

import (
	"context"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/internal/listeners"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DeviceGateway 宿主接口依赖的网关能力
type DeviceGateway interface {
	ConnectedDevices() []string
	Sessions() []gateway.SessionInfo
	Session(deviceID string) (gateway.SessionInfo, bool)
	SendSpeech(ctx context.Context, deviceID, text string) error
}

// PresenceStore 设备在线记录
type PresenceStore interface {
	Lookup(ctx context.Context, deviceID string) (*listeners.DevicePresence, bool)
}

// Handlers 宿主 HTTP 接口
type Handlers struct {
	gateway       DeviceGateway
	presence      PresenceStore
	provisioning  ProvisioningConfig
	speechTimeout time.Duration
	startedAt     time.Time
}

func NewHandlers(gw DeviceGateway, presence PresenceStore, provisioning ProvisioningConfig) *Handlers {
	return &Handlers{
		gateway:       gw,
		presence:      presence,
		provisioning:  provisioning,
		speechTimeout: 30 * time.Second,
		startedAt:     time.Now(),
	}
}

// Register 注册路由
func (h *Handlers) Register(engine *gin.Engine) {
	engine.GET("/health", h.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r := engine.Group("/api")
	h.registerDeviceRoutes(r)
}

func (h *Handlers) registerDeviceRoutes(r *gin.RouterGroup) {
	devices := r.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.GET("/:id", h.GetDevice)
		devices.GET("/:id/config", h.GetDeviceConfig)
		devices.POST("/:id/tts", h.SendDeviceSpeech)
	}
}
