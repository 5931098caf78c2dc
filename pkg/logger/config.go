package logger

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level 日志级别
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String 返回级别名称
func (l Level) String() string {
	return l.toZapLevel().String()
}

func (l Level) toZapLevel() zapcore.Level {
	return zapcore.Level(l)
}

func fromZapLevel(level zapcore.Level) Level {
	return Level(level)
}

// ParseLevel 解析级别名称，无法识别时返回 InfoLevel
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Format 日志格式
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// Config 日志配置
type Config struct {
	Level  Level  // 日志级别（零值即 InfoLevel）
	Format Format // json/console，默认 json

	Console bool          // 输出到控制台（无其他输出时默认开启）
	File    string        // 文件路径
	Rotate  *RotateConfig // 轮转配置（nil 则不轮转）

	Sampling *SamplingConfig // 采样配置（nil 则不采样）

	EnableCaller     bool // 记录调用位置
	EnableStacktrace bool // Error 及以上记录堆栈
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}

// RotateConfig 文件轮转配置
type RotateConfig struct {
	Filename   string `mapstructure:"filename"`    // 日志文件路径
	MaxSize    int    `mapstructure:"max_size"`    // 单文件最大大小（MB，默认 100）
	MaxAge     int    `mapstructure:"max_age"`     // 保留天数（默认 30）
	MaxBackups int    `mapstructure:"max_backups"` // 最多保留文件数（默认 10）
	LocalTime  bool   `mapstructure:"local_time"`
	Compress   bool   `mapstructure:"compress"`
}

func (r *RotateConfig) setDefaults() {
	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxAge == 0 {
		r.MaxAge = 30
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 10
	}
}

// SamplingConfig 采样配置
type SamplingConfig struct {
	Initial    int // 每秒前 N 条必定记录
	Thereafter int // 之后每 M 条记录 1 条
}

func (s *SamplingConfig) setDefaults() {
	if s.Initial == 0 {
		s.Initial = 100
	}
	if s.Thereafter == 0 {
		s.Thereafter = 100
	}
}
