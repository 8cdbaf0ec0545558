package gateway

import (
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
)

// 默认配置值
const (
	DefaultBindAddress     = "0.0.0.0"
	DefaultPort            = 8554
	DefaultPath            = "/xiaozhi"
	DefaultPingInterval    = 30 * time.Second
	DefaultShutdownGrace   = 2 * time.Second
	DefaultFinishTimeout   = 60 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultTTSCacheSize    = 128
)

// DefaultAudioParams hello 应答中下发的固定音频参数
var DefaultAudioParams = message.AudioParams{SampleRate: 16000, Format: "opus", Channels: 1}

// Config 网关配置
type Config struct {
	BindAddress string
	Port        int
	Path        string
	AudioParams message.AudioParams
	// PingInterval 传输层 ping 间隔，0 表示不发送
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ShutdownGrace   time.Duration
	FinishTimeout   time.Duration
	MaxMessageBytes int64
	// ImplicitAuth hello 后直接进入 Active，兼容不发送 auth 的固件
	ImplicitAuth bool
	TTSCacheSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BindAddress:     DefaultBindAddress,
		Port:            DefaultPort,
		Path:            DefaultPath,
		AudioParams:     DefaultAudioParams,
		PingInterval:    DefaultPingInterval,
		WriteTimeout:    message.DefaultWriteTimeout,
		ShutdownGrace:   DefaultShutdownGrace,
		FinishTimeout:   DefaultFinishTimeout,
		MaxMessageBytes: DefaultMaxMessageBytes,
		TTSCacheSize:    DefaultTTSCacheSize,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AudioParams == (message.AudioParams{}) {
		c.AudioParams = d.AudioParams
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.Path == "" {
		c.Path = d.Path
	}
}
