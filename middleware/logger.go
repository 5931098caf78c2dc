package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

// LoggerConfig 访问日志配置
type LoggerConfig struct {
	// ExcludePaths 不记录的路径，如 /healthz
	ExcludePaths []string

	// SkipFunc 返回 true 时跳过
	SkipFunc func(c *gin.Context) bool
}

// Logger 访问日志中间件
// 按状态码选择级别：5xx Error，4xx Warn，其余 Info
func Logger(log logger.Logger, cfgs ...*LoggerConfig) gin.HandlerFunc {
	cfg := &LoggerConfig{}
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(zap.String("component", "http"))
	skip := lo.SliceToMap(cfg.ExcludePaths, func(p string) (string, struct{}) { return p, struct{}{} })

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok || (cfg.SkipFunc != nil && cfg.SkipFunc(c)) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			log.ErrorContext(ctx, "request completed", fields...)
		case status >= 400:
			log.WarnContext(ctx, "request completed", fields...)
		default:
			log.InfoContext(ctx, "request completed", fields...)
		}
	}
}
