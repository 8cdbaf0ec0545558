package listeners

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/cache"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/events"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/logger"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "presence:"
	eventSource       = "gateway"
	// DefaultPresenceTTL 在线记录保留时长；网关注册表才是实时在线状态的依据
	DefaultPresenceTTL = 24 * time.Hour
	cacheTimeout       = 2 * time.Second
)

// DevicePresence 设备在线记录
type DevicePresence struct {
	DeviceID    string    `json:"device_id"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// DeviceListener 网关上下线回调：写入在线记录并发布事件
type DeviceListener struct {
	cache cache.Cache
	bus   *events.EventBus
	ttl   time.Duration
}

func NewDeviceListener(c cache.Cache, bus *events.EventBus, ttl time.Duration) *DeviceListener {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &DeviceListener{cache: c, bus: bus, ttl: ttl}
}

func (l *DeviceListener) OnDeviceConnected(deviceID string) {
	now := time.Now()
	l.store(DevicePresence{DeviceID: deviceID, Connected: true, ConnectedAt: now, LastSeen: now})
	logger.Info("设备上线", zap.String("device_id", deviceID))
	l.publish(events.DeviceConnected, deviceID, now)
}

func (l *DeviceListener) OnDeviceDisconnected(deviceID string) {
	now := time.Now()
	p, ok := l.Lookup(context.Background(), deviceID)
	if !ok {
		p = &DevicePresence{DeviceID: deviceID}
	}
	p.Connected = false
	p.LastSeen = now
	l.store(*p)
	logger.Info("设备下线", zap.String("device_id", deviceID))
	l.publish(events.DeviceDisconnected, deviceID, now)
}

// Lookup 查询设备在线记录
func (l *DeviceListener) Lookup(ctx context.Context, deviceID string) (*DevicePresence, bool) {
	if l.cache == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	v, ok := l.cache.Get(ctx, presenceKeyPrefix+deviceID)
	if !ok {
		return nil, false
	}
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return nil, false
	}
	var p DevicePresence
	if err := sonic.Unmarshal(raw, &p); err != nil {
		logger.Warn("解析在线记录失败", zap.String("device_id", deviceID), zap.Error(err))
		return nil, false
	}
	return &p, true
}

func (l *DeviceListener) store(p DevicePresence) {
	if l.cache == nil {
		return
	}
	data, err := sonic.MarshalString(p)
	if err != nil {
		logger.Warn("序列化在线记录失败", zap.String("device_id", p.DeviceID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := l.cache.Set(ctx, presenceKeyPrefix+p.DeviceID, data, l.ttl); err != nil {
		logger.Warn("写入在线记录失败", zap.String("device_id", p.DeviceID), zap.Error(err))
	}
}

func (l *DeviceListener) publish(eventType, deviceID string, at time.Time) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: at,
		Source:    eventSource,
		Data:      map[string]interface{}{"device_id": deviceID},
	})
}
