package tracing

import (
	"fmt"
	"time"
)

// 导出器类型
const (
	ExporterStdout   = "stdout"
	ExporterOTLP     = "otlp" // OTLP over HTTP
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // development/staging/production

	// 导出器
	Exporter    string            // stdout/otlp/otlp-grpc/noop
	Endpoint    string            // 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	Headers     map[string]string // 认证头
	Insecure    bool
	PrettyPrint bool // 仅 stdout

	// 采样
	SamplingRate float64 // 0.0-1.0
	SamplingType string  // always/never/ratio/parent_based

	Enabled bool

	ResourceAttributes map[string]string

	// 批处理
	BatchTimeout       time.Duration
	MaxExportBatchSize int
	MaxQueueSize       int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "callsignal",
		ServiceVersion:     "dev",
		Environment:        "development",
		Exporter:           ExporterStdout,
		SamplingRate:       1.0,
		SamplingType:       "parent_based",
		Enabled:            true,
		ResourceAttributes: map[string]string{},
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return &ConfigError{message: "service name is required"}
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return &ConfigError{message: "sampling rate must be between 0.0 and 1.0"}
	}
	switch c.Exporter {
	case ExporterStdout, ExporterOTLP, ExporterOTLPGRPC, ExporterNoop:
	default:
		return &ConfigError{message: fmt.Sprintf("invalid exporter type: %q", c.Exporter)}
	}
	return nil
}

func (c *Config) normalize() {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.MaxExportBatchSize <= 0 {
		c.MaxExportBatchSize = 512
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 2048
	}
	if !c.Enabled {
		c.Exporter = ExporterNoop
	}
}

// ConfigError 配置错误
type ConfigError struct {
	message string
}

func (e *ConfigError) Error() string {
	return "tracing config error: " + e.message
}
