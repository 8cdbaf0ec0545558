// Package events 进程内事件总线，用于广播设备上下线等网关事件
package events

import (
	"sync"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/logger"
	"go.uber.org/zap"
)

// 网关事件类型
const (
	DeviceConnected    = "device.connected"
	DeviceDisconnected = "device.disconnected"
	SpeechDispatched   = "speech.dispatched"

	// Wildcard 订阅所有事件
	Wildcard = "*"
)

// Event 网关事件
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"`
}

// EventHandler 事件处理器
type EventHandler func(event Event) error

// EventBus 事件总线，处理器异步执行
type EventBus struct {
	mu             sync.RWMutex
	handlers       map[string][]EventHandler
	publishedTypes map[string]time.Time
	wg             sync.WaitGroup
}

var (
	globalEventBus *EventBus
	once           sync.Once
)

func NewEventBus() *EventBus {
	return &EventBus{
		handlers:       make(map[string][]EventHandler),
		publishedTypes: make(map[string]time.Time),
	}
}

// GetEventBus 全局事件总线
func GetEventBus() *EventBus {
	once.Do(func() {
		globalEventBus = NewEventBus()
	})
	return globalEventBus
}

// Subscribe 订阅事件，eventType 为 Wildcard 时接收全部事件
func (bus *EventBus) Subscribe(eventType string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], handler)
	logger.Debug("订阅事件", zap.String("eventType", eventType))
}

// Unsubscribe 移除该类型的全部处理器
func (bus *EventBus) Unsubscribe(eventType string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.handlers, eventType)
}

// Publish 发布事件
func (bus *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.Lock()
	if _, exists := bus.publishedTypes[event.Type]; !exists {
		bus.publishedTypes[event.Type] = event.Timestamp
	}
	handlers := make([]EventHandler, 0, len(bus.handlers[event.Type])+len(bus.handlers[Wildcard]))
	handlers = append(handlers, bus.handlers[event.Type]...)
	handlers = append(handlers, bus.handlers[Wildcard]...)
	bus.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		bus.wg.Add(1)
		go func(h EventHandler) {
			defer bus.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("事件处理器异常", zap.String("eventType", event.Type), zap.Any("panic", r))
				}
			}()
			if err := h(event); err != nil {
				logger.Warn("事件处理失败", zap.String("eventType", event.Type), zap.Error(err))
			}
		}(handler)
	}
}

// Wait 等待已发布事件的处理器执行完毕
func (bus *EventBus) Wait() {
	bus.wg.Wait()
}

// GetPublishedEventTypes 发布过的事件类型及首次发布时间
func (bus *EventBus) GetPublishedEventTypes() map[string]time.Time {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	result := make(map[string]time.Time, len(bus.publishedTypes))
	for k, v := range bus.publishedTypes {
		result[k] = v
	}
	return result
}

// PublishEvent 向全局总线发布事件
func PublishEvent(eventType string, data map[string]interface{}, source string) {
	GetEventBus().Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Source:    source,
	})
}
