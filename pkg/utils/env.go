package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv 加载 .env 文件，env 非空时额外加载 .env.<env>
func LoadEnv(env string) error {
	files := []string{".env"}
	if env != "" {
		files = append([]string{fmt.Sprintf(".env.%s", env)}, files...)
	}

	var loaded int
	var lastErr error
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			lastErr = err
			continue
		}
		// godotenv.Load 不覆盖已存在的环境变量，先加载的文件优先
		if err := godotenv.Load(f); err != nil {
			lastErr = err
			continue
		}
		loaded++
	}
	if loaded == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// GetEnv 获取环境变量（去除首尾空白）
func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetIntEnv 获取整数环境变量，解析失败返回 0
func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

// GetBoolEnv 获取布尔环境变量
func GetBoolEnv(key string) bool {
	return cast.ToBool(GetEnv(key))
}

// GetDurationEnv 获取时长环境变量，支持 "10s" 或纯数字（毫秒）
func GetDurationEnv(key string) time.Duration {
	value := GetEnv(key)
	if value == "" {
		return 0
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return time.Duration(cast.ToInt64(value)) * time.Millisecond
}
