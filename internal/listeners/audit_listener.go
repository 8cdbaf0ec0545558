package listeners

import (
	"github.com/code-100-precent/xiaozhi-gateway/pkg/events"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/logger"
	"go.uber.org/zap"
)

// InitAuditListener 订阅全部网关事件并写审计日志
func InitAuditListener(bus *events.EventBus) {
	bus.Subscribe(events.Wildcard, func(event events.Event) error {
		fields := []zap.Field{
			zap.String("type", event.Type),
			zap.String("source", event.Source),
			zap.Time("at", event.Timestamp),
		}
		if id, ok := event.Data["device_id"].(string); ok {
			fields = append(fields, zap.String("device_id", id))
		}
		logger.Info("设备事件", fields...)
		return nil
	})
	logger.Info("device audit listener is ready")
}
