// Package config 从环境变量与 .env 文件加载网关配置
package config

import (
	"log"
	"os"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/cache"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/logger"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/utils"
)

// Config 全局配置
type Config struct {
	Mode string `env:"MODE"`
	Addr string `env:"ADDR"`

	// 设备 WebSocket 网关
	WebsocketHost     string        `env:"WEBSOCKET_HOST"`
	WebsocketPort     int           `env:"WEBSOCKET_PORT"`
	WebsocketPath     string        `env:"WEBSOCKET_PATH"`
	ExternalURL       string        `env:"EXTERNAL_URL"`
	PingInterval      time.Duration `env:"PING_INTERVAL"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE"`
	TurnTimeout       time.Duration `env:"TURN_TIMEOUT"`
	ImplicitAuth      bool          `env:"GATEWAY_IMPLICIT_AUTH"`
	TTSCacheSize      int           `env:"TTS_CACHE_SIZE"`

	// 音频参数
	AudioFormat        string `env:"AUDIO_FORMAT"`
	AudioSampleRate    int    `env:"AUDIO_SAMPLE_RATE"`
	AudioChannels      int    `env:"AUDIO_CHANNELS"`
	AudioFrameDuration int    `env:"AUDIO_FRAME_DURATION"`

	// 后端：FORWARD_URL 非空时使用代理模式
	PipelineID     string        `env:"PIPELINE_ID"`
	ForwardURL     string        `env:"FORWARD_URL"`
	ForwardTimeout time.Duration `env:"FORWARD_TIMEOUT"`
	MaxAudioBytes  int           `env:"MAX_AUDIO_BYTES"`

	// 本地管线
	LLMApiKey    string `env:"LLM_API_KEY"`
	LLMBaseURL   string `env:"LLM_BASE_URL"`
	LLMModel     string `env:"LLM_MODEL"`
	ASRModel     string `env:"ASR_MODEL"`
	TTSModel     string `env:"TTS_MODEL"`
	TTSVoice     string `env:"TTS_VOICE"`
	SystemPrompt string `env:"SYSTEM_PROMPT"`

	RateLimit string `env:"RATE_LIMIT"`

	Log   logger.LogConfig
	Cache cache.Config
}

var GlobalConfig *Config

// Load 加载配置，所有配置项都有默认值，无 .env 文件也能启动
func Load() error {
	env := os.Getenv("APP_ENV")
	if err := utils.LoadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	GlobalConfig = &Config{
		Mode: getStringOrDefault("MODE", "development"),
		Addr: getStringOrDefault("ADDR", ":7072"),

		WebsocketHost:     getStringOrDefault("WEBSOCKET_HOST", "0.0.0.0"),
		WebsocketPort:     getIntOrDefault("WEBSOCKET_PORT", 8554),
		WebsocketPath:     getStringOrDefault("WEBSOCKET_PATH", "/xiaozhi"),
		ExternalURL:       getStringOrDefault("EXTERNAL_URL", ""),
		PingInterval:      getDurationOrDefault("PING_INTERVAL", 30*time.Second),
		ReconnectInterval: getDurationOrDefault("RECONNECT_INTERVAL", 5*time.Second),
		ShutdownGrace:     getDurationOrDefault("SHUTDOWN_GRACE", 2*time.Second),
		TurnTimeout:       getDurationOrDefault("TURN_TIMEOUT", 60*time.Second),
		ImplicitAuth:      getBoolOrDefault("GATEWAY_IMPLICIT_AUTH", false),
		TTSCacheSize:      getIntOrDefault("TTS_CACHE_SIZE", 128),

		AudioFormat:        getStringOrDefault("AUDIO_FORMAT", "opus"),
		AudioSampleRate:    getIntOrDefault("AUDIO_SAMPLE_RATE", 16000),
		AudioChannels:      getIntOrDefault("AUDIO_CHANNELS", 1),
		AudioFrameDuration: getIntOrDefault("AUDIO_FRAME_DURATION", 60),

		PipelineID:     getStringOrDefault("PIPELINE_ID", "openai"),
		ForwardURL:     getStringOrDefault("FORWARD_URL", ""),
		ForwardTimeout: getDurationOrDefault("FORWARD_TIMEOUT", 10*time.Second),
		MaxAudioBytes:  getIntOrDefault("MAX_AUDIO_BYTES", 4<<20),

		LLMApiKey:    getStringOrDefault("LLM_API_KEY", ""),
		LLMBaseURL:   getStringOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:     getStringOrDefault("LLM_MODEL", "gpt-4o-mini"),
		ASRModel:     getStringOrDefault("ASR_MODEL", "whisper-1"),
		TTSModel:     getStringOrDefault("TTS_MODEL", "tts-1"),
		TTSVoice:     getStringOrDefault("TTS_VOICE", "alloy"),
		SystemPrompt: getStringOrDefault("SYSTEM_PROMPT", "你是小智，一个简洁友好的语音助手。回答请控制在两三句话以内。"),

		RateLimit: getStringOrDefault("RATE_LIMIT", "1000-M"),

		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/gateway.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Cache: loadCacheConfig(),
	}
	return nil
}

// ProxyMode 是否把回合转发给外部服务
func (c *Config) ProxyMode() bool {
	return c.ForwardURL != ""
}

// getStringOrDefault 获取环境变量值，如果为空则返回默认值
func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault 获取布尔环境变量值，如果为空则返回默认值
func getBoolOrDefault(key string, defaultValue bool) bool {
	if utils.GetEnv(key) == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

// getIntOrDefault 获取整数环境变量值，如果为空或为 0 则返回默认值
func getIntOrDefault(key string, defaultValue int) int {
	value := utils.GetIntEnv(key)
	if value == 0 {
		return defaultValue
	}
	return int(value)
}

// getDurationOrDefault 支持 "10s" 形式或毫秒数
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if utils.GetEnv(key) == "" {
		return defaultValue
	}
	if d := utils.GetDurationEnv(key); d > 0 {
		return d
	}
	return defaultValue
}

// loadCacheConfig 加载缓存配置，设置所有默认值
func loadCacheConfig() cache.Config {
	return cache.Config{
		Type: getStringOrDefault("CACHE_TYPE", cache.TypeLocal),
		Redis: cache.RedisConfig{
			Addr:         getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     utils.GetEnv("REDIS_PASSWORD"),
			DB:           int(utils.GetIntEnv("REDIS_DB")),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  getDurationOrDefault("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationOrDefault("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationOrDefault("REDIS_WRITE_TIMEOUT", 3*time.Second),
			IdleTimeout:  getDurationOrDefault("REDIS_IDLE_TIMEOUT", 5*time.Minute),
			KeyPrefix:    getStringOrDefault("REDIS_KEY_PREFIX", "xiaozhi:"),
		},
		Local: cache.LocalConfig{
			MaxSize:           getIntOrDefault("LOCAL_CACHE_MAX_SIZE", 1000),
			DefaultExpiration: getDurationOrDefault("LOCAL_CACHE_DEFAULT_EXPIRATION", 5*time.Minute),
			CleanupInterval:   getDurationOrDefault("LOCAL_CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		},
	}
}
