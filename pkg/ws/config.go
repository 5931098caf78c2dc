package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/tokmz/callsignal/pkg/logger"
)

// Config WebSocket 配置
type Config struct {
	MaxConnections    int           // 最大连接数，超出返回 503
	ReadBufferSize    int
	WriteBufferSize   int
	HandshakeTimeout  time.Duration
	MaxMessageSize    int64         // 读限制
	HeartbeatInterval time.Duration // ping 间隔
	IdleTimeout       time.Duration // 读超时，收到 pong 或任意帧后顺延
	WriteWait         time.Duration
	SendQueueSize     int

	AllowedOrigins    []string // 为空时允许所有来源
	EnableCompression bool

	Metrics Metrics
	Logger  logger.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    64 * 1024,
		HeartbeatInterval: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
		WriteWait:         5 * time.Second,
		SendQueueSize:     256,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch {
	case c.MaxConnections <= 0:
		return fmt.Errorf("%w: MaxConnections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	case c.IdleTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: IdleTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.IdleTimeout, c.HeartbeatInterval)
	case c.WriteWait <= 0:
		return fmt.Errorf("%w: WriteWait must be positive, got %v", ErrInvalidConfig, c.WriteWait)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: SendQueueSize must be positive, got %d", ErrInvalidConfig, c.SendQueueSize)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithHeartbeat 设置 ping 间隔与空闲超时
func WithHeartbeat(interval, idle time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.IdleTimeout = idle
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) { c.MaxMessageSize = size }
}

// WithSendQueueSize 设置发送队列长度
func WithSendQueueSize(size int) Option {
	return func(c *Config) { c.SendQueueSize = size }
}

// WithAllowedOrigins 设置 Origin 白名单
func WithAllowedOrigins(origins []string) Option {
	return func(c *Config) { c.AllowedOrigins = origins }
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// checkOrigin 白名单为空或包含 "*" 时放行所有来源
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	whitelist := lo.SliceToMap(allowed, func(o string) (string, struct{}) { return o, struct{}{} })
	return func(r *http.Request) bool {
		_, ok := whitelist[r.Header.Get("Origin")]
		return ok
	}
}

func newUpgrader(cfg *Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		CheckOrigin:       checkOrigin(cfg.AllowedOrigins),
		EnableCompression: cfg.EnableCompression,
	}
}
