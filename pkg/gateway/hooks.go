package gateway

import (
	"go.uber.org/zap"
)

// Hooks 设备上下线通知，由宿主实现
type Hooks interface {
	OnDeviceConnected(deviceID string)
	OnDeviceDisconnected(deviceID string)
}

// HookFuncs 以函数形式实现 Hooks，字段可为 nil
type HookFuncs struct {
	Connected    func(deviceID string)
	Disconnected func(deviceID string)
}

func (h HookFuncs) OnDeviceConnected(deviceID string) {
	if h.Connected != nil {
		h.Connected(deviceID)
	}
}

func (h HookFuncs) OnDeviceDisconnected(deviceID string) {
	if h.Disconnected != nil {
		h.Disconnected(deviceID)
	}
}

// MultiHooks 按顺序通知多个 Hooks
type MultiHooks []Hooks

func (m MultiHooks) OnDeviceConnected(deviceID string) {
	for _, h := range m {
		h.OnDeviceConnected(deviceID)
	}
}

func (m MultiHooks) OnDeviceDisconnected(deviceID string) {
	for _, h := range m {
		h.OnDeviceDisconnected(deviceID)
	}
}

// notifyConnected 调用宿主回调，回调 panic 不影响会话
func (s *Server) notifyConnected(deviceID string) {
	connectedDevices.Inc()
	defer s.recoverHook("OnDeviceConnected", deviceID)
	s.hooks.OnDeviceConnected(deviceID)
}

func (s *Server) notifyDisconnected(deviceID string) {
	connectedDevices.Dec()
	defer s.recoverHook("OnDeviceDisconnected", deviceID)
	s.hooks.OnDeviceDisconnected(deviceID)
}

func (s *Server) recoverHook(name, deviceID string) {
	if r := recover(); r != nil {
		s.logger.Error("设备回调异常",
			zap.String("hook", name),
			zap.String("device_id", deviceID),
			zap.Any("panic", r))
	}
}
