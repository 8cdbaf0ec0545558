package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	TypeLocal = "local"
	TypeRedis = "redis"
)

var (
	ErrUnsupportedType = errors.New("unsupported cache type")
	ErrCacheFull       = errors.New("cache is full")
)

// Cache 缓存接口，local 与 redis 两种实现
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) error
	GetMulti(ctx context.Context, keys ...string) map[string]interface{}
	Close() error
}

// Config 缓存配置
type Config struct {
	Type  string `env:"CACHE_TYPE"`
	Redis RedisConfig
	Local LocalConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `env:"REDIS_ADDR"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB"`
	PoolSize     int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `env:"REDIS_IDLE_TIMEOUT"`
	KeyPrefix    string        `env:"REDIS_KEY_PREFIX"`
}

// LocalConfig 本地缓存配置
type LocalConfig struct {
	MaxSize           int           `env:"LOCAL_CACHE_MAX_SIZE"`
	DefaultExpiration time.Duration `env:"LOCAL_CACHE_DEFAULT_EXPIRATION"`
	CleanupInterval   time.Duration `env:"LOCAL_CACHE_CLEANUP_INTERVAL"`
}

// NewCache 根据配置创建缓存实例
func NewCache(config Config) (Cache, error) {
	switch config.Type {
	case "", TypeLocal:
		return NewLocalCache(config.Local), nil
	case TypeRedis:
		return NewRedisCache(config.Redis)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, config.Type)
	}
}
