// Package middleware 宿主 HTTP 接口的 gin 中间件
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 不记录日志的路径前缀
var quietPaths = []string{"/metrics", "/health", "/favicon.ico"}

// LoggerMiddleware 请求日志：记录非 GET 请求和失败的请求
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		if !shouldLog(method, path, status) {
			return
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= 500 {
			logger.Warn("Request", fields...)
			return
		}
		logger.Info("Request", fields...)
	}
}

func shouldLog(method, path string, status int) bool {
	for _, p := range quietPaths {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return method != "GET" || status >= 400
}
