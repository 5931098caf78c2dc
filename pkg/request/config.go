package request

import (
	"net/http"
	"time"

	"github.com/tokmz/callsignal/pkg/logger"
)

// Config HTTP 客户端配置
type Config struct {
	BaseURL             string            // 相对路径的前缀
	Timeout             time.Duration     // 单次请求超时（默认 10s）
	Headers             map[string]string // 全局默认请求头
	MaxIdleConnsPerHost int               // 每 Host 最大空闲连接（默认 16）
	IdleConnTimeout     time.Duration     // 空闲连接超时（默认 90s）
	Retry               *RetryConfig      // 重试配置（nil 不重试）
	Interceptors        []Interceptor
	Logger              logger.Logger
	EnableTracing       bool              // 创建客户端 span 并传播 trace 头
	Transport           http.RoundTripper // 自定义 Transport，测试使用
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:             10 * time.Second,
		Headers:             make(map[string]string),
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Option 配置选项函数
type Option func(*Config)

// WithBaseURL 设置基础 URL
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithTimeout 设置超时
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHeader 设置全局默认请求头
func WithHeader(key, value string) Option {
	return func(c *Config) { c.Headers[key] = value }
}

// WithRetry 设置重试配置
func WithRetry(cfg *RetryConfig) Option {
	return func(c *Config) { c.Retry = cfg }
}

// WithInterceptor 添加拦截器
func WithInterceptor(i Interceptor) Option {
	return func(c *Config) { c.Interceptors = append(c.Interceptors, i) }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithTracing 启用 OpenTelemetry 追踪
func WithTracing(enable bool) Option {
	return func(c *Config) { c.EnableTracing = enable }
}

// WithTransport 设置自定义 Transport
func WithTransport(t http.RoundTripper) Option {
	return func(c *Config) { c.Transport = t }
}
