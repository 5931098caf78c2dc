package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/callsignal/pkg/config"
	"github.com/tokmz/callsignal/pkg/ws"
)

// ICEConfig STUN/TURN 下发配置
type ICEConfig struct {
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// Config 服务配置
type Config struct {
	// Mode gin 运行模式：debug, release, test
	Mode string

	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// ShutdownTimeout 优雅关机超时，默认 10 秒
	ShutdownTimeout time.Duration

	TrustedProxies []string

	// CORSOrigins 允许的跨域源，空或包含 "*" 表示全部
	CORSOrigins []string

	// RateLimitRPS / RateLimitBurst REST 接口按 IP 的令牌桶
	RateLimitRPS   float64
	RateLimitBurst int

	// RequestTimeout REST 请求超时
	RequestTimeout time.Duration

	// AuthRequired 为 true 时 REST 与 WebSocket 均要求令牌
	AuthRequired bool
	CookieName   string

	// WSPath WebSocket 端点
	WSPath string

	// SessionTTL 创建会话接口返回的 ttlSeconds
	SessionTTL time.Duration

	ICE ICEConfig

	// SocketOptions 传给 ws.NewManager
	SocketOptions []ws.Option

	BeforeShutdown func()
	AfterShutdown  func()
}

// Option 配置选项
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Mode:            gin.ReleaseMode,
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"*"},
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		RequestTimeout:  15 * time.Second,
		AuthRequired:    true,
		CookieName:      "access_token",
		WSPath:          "/ws/call",
		SessionTTL:      70 * time.Minute,
	}
}

// WithMode 设置 gin 运行模式
func WithMode(mode string) Option {
	return func(c *Config) {
		c.Mode = mode
	}
}

// WithAddr 设置监听地址
func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Addr = addr
	}
}

// WithShutdownTimeout 设置关机超时
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithAuth 设置是否强制认证与令牌 Cookie 名
func WithAuth(required bool, cookieName string) Option {
	return func(c *Config) {
		c.AuthRequired = required
		if cookieName != "" {
			c.CookieName = cookieName
		}
	}
}

// WithICE 设置 ICE 服务器
func WithICE(ice ICEConfig) Option {
	return func(c *Config) {
		c.ICE = ice
	}
}

// WithRateLimit 设置 REST 限流
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Config) {
		c.RateLimitRPS = rps
		c.RateLimitBurst = burst
	}
}

// WithSocketOptions 追加 WebSocket 选项
func WithSocketOptions(opts ...ws.Option) Option {
	return func(c *Config) {
		c.SocketOptions = append(c.SocketOptions, opts...)
	}
}

// WithBeforeShutdown 关机前回调
func WithBeforeShutdown(fn func()) Option {
	return func(c *Config) {
		c.BeforeShutdown = fn
	}
}

// WithAfterShutdown 关机后回调
func WithAfterShutdown(fn func()) Option {
	return func(c *Config) {
		c.AfterShutdown = fn
	}
}

// FromSettings 由服务配置生成选项
func FromSettings(s *config.Settings) []Option {
	return []Option{
		func(c *Config) {
			c.Mode = s.Server.Mode
			c.Addr = s.Server.Addr
			c.ReadTimeout = s.Server.ReadTimeout
			c.WriteTimeout = s.Server.WriteTimeout
			c.IdleTimeout = s.Server.IdleTimeout
			c.ShutdownTimeout = s.Server.ShutdownTimeout
			c.TrustedProxies = s.Server.TrustedProxies
			c.CORSOrigins = s.HTTP.CORSOrigins
			c.WSPath = s.WS.Path
			if s.Call.SessionTTL > 0 {
				c.SessionTTL = s.Call.SessionTTL
			}
		},
		WithRateLimit(s.HTTP.RateLimitRPS, s.HTTP.RateLimitBurst),
		WithAuth(s.Auth.Required, s.Auth.CookieName),
		WithICE(ICEConfig{
			STUNURLs:     s.ICE.STUNURLs,
			TURNURLs:     s.ICE.TURNURLs,
			TURNUsername: s.ICE.TURNUsername,
			TURNPassword: s.ICE.TURNPassword,
		}),
		WithSocketOptions(
			ws.WithMaxConnections(s.WS.MaxConnections),
			ws.WithHeartbeat(s.WS.HeartbeatInterval, s.WS.IdleTimeout),
			ws.WithMessageSizeLimit(s.WS.MaxMessageSize),
			ws.WithSendQueueSize(s.WS.SendQueueSize),
			ws.WithAllowedOrigins(s.WS.AllowedOrigins),
		),
	}
}
