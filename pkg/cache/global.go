package cache

import (
	"sync"
	"time"
)

var (
	globalCache Cache
	globalMu    sync.RWMutex
)

// InitGlobalCache 初始化全局缓存实例，重复调用会替换并关闭旧实例
func InitGlobalCache(config Config) error {
	c, err := NewCache(config)
	if err != nil {
		return err
	}
	globalMu.Lock()
	old := globalCache
	globalCache = c
	globalMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// GetGlobalCache 获取全局缓存实例
// 如果未初始化，返回一个默认的本地缓存实例
func GetGlobalCache() Cache {
	globalMu.RLock()
	if globalCache != nil {
		globalMu.RUnlock()
		return globalCache
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()

	if globalCache == nil {
		globalCache = NewLocalCache(LocalConfig{
			MaxSize:           1000,
			DefaultExpiration: 5 * time.Minute,
			CleanupInterval:   10 * time.Minute,
		})
	}
	return globalCache
}

// SetGlobalCache 设置全局缓存实例（主要用于测试）
func SetGlobalCache(c Cache) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCache = c
}

// CloseGlobalCache 关闭全局缓存连接
func CloseGlobalCache() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalCache != nil {
		err := globalCache.Close()
		globalCache = nil
		return err
	}
	return nil
}
