package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisCache 基于 go-redis 的共享缓存，值统一以字符串存储
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建 Redis 缓存并检查连通性
func NewRedisCache(config RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            config.Addr,
		Password:        config.Password,
		DB:              config.DB,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		ConnMaxIdleTime: config.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", config.Addr, err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "xiaozhi:"
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) key(k string) string {
	return r.prefix + k
}

func (r *RedisCache) Get(ctx context.Context, key string) (interface{}, bool) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	var payload interface{}
	switch v := value.(type) {
	case string, []byte:
		payload = v
	default:
		data, err := sonic.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal cache value: %w", err)
		}
		payload = data
	}
	return r.client.Set(ctx, r.key(key), payload, expiration).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisCache) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return err == nil && n > 0
}

// Clear 只删除本前缀下的键
func (r *RedisCache) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisCache) GetMulti(ctx context.Context, keys ...string) map[string]interface{} {
	result := make(map[string]interface{}, len(keys))
	if len(keys) == 0 {
		return result
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	values, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return result
	}
	for i, v := range values {
		if v != nil {
			result[keys[i]] = v
		}
	}
	return result
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
