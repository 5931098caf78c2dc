package config

import (
	"strings"
	"time"
)

// EnvPrefix 服务环境变量前缀
const EnvPrefix = "CALLSIGNAL"

// Settings 服务配置树
type Settings struct {
	Server      ServerSettings      `mapstructure:"server"`
	Log         LogSettings         `mapstructure:"log"`
	Tracing     TracingSettings     `mapstructure:"tracing"`
	Database    DatabaseSettings    `mapstructure:"database"`
	Redis       RedisSettings       `mapstructure:"redis"`
	WS          WSSettings          `mapstructure:"ws"`
	Signaling   SignalingSettings   `mapstructure:"signaling"`
	Call        CallSettings        `mapstructure:"call"`
	Eligibility EligibilitySettings `mapstructure:"eligibility"`
	Auth        AuthSettings        `mapstructure:"auth"`
	ICE         ICESettings         `mapstructure:"ice"`
	HTTP        HTTPSettings        `mapstructure:"http"`
}

// ServerSettings HTTP 服务
type ServerSettings struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // gin 运行模式: debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// LogSettings 日志
type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // 非空时按 lumberjack 轮转写入
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	Caller     bool   `mapstructure:"caller"`
}

// TracingSettings 链路追踪
type TracingSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	Exporter     string  `mapstructure:"exporter"` // stdout, otlp, otlp-grpc, noop
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// DatabaseSettings 会话存储
type DatabaseSettings struct {
	Type            string        `mapstructure:"type"` // sqlite, postgres, mysql, sqlserver, memory
	DSN             string        `mapstructure:"dsn"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        int           `mapstructure:"log_level"` // 1:Silent 2:Error 3:Warn 4:Info
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisSettings 分布式 pub/sub 后端
type RedisSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	Mode         string        `mapstructure:"mode"` // standalone, cluster, sentinel
	Addr         string        `mapstructure:"addr"`
	Addrs        []string      `mapstructure:"addrs"`
	MasterName   string        `mapstructure:"master_name"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// WSSettings WebSocket 传输
type WSSettings struct {
	Path              string        `mapstructure:"path"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// SignalingSettings 信令
type SignalingSettings struct {
	RateLimit int `mapstructure:"rate_limit"` // 每连接每秒消息数
}

// CallSettings 通话生命周期
type CallSettings struct {
	MaxMinutes      int           `mapstructure:"max_minutes"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`       // REST 创建会话时返回给客户端的 ttlSeconds
	ExpiredAsFailed bool          `mapstructure:"expired_as_failed"` // 清理任务结束的未连接会话是否计入建立失败
}

// MaxDuration 最大通话时长
func (c CallSettings) MaxDuration() time.Duration {
	return time.Duration(c.MaxMinutes) * time.Minute
}

// EligibilitySettings 预约资格校验
type EligibilitySettings struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// AuthSettings 认证
type AuthSettings struct {
	Required   bool   `mapstructure:"required"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	CookieName string `mapstructure:"cookie_name"`
}

// ICESettings STUN/TURN 服务器
type ICESettings struct {
	STUNURLs     []string `mapstructure:"stun_urls"`
	TURNURLs     []string `mapstructure:"turn_urls"`
	TURNUsername string   `mapstructure:"turn_username"`
	TURNPassword string   `mapstructure:"turn_password"`
}

// HTTPSettings REST 接口
type HTTPSettings struct {
	CORSOrigins    []string `mapstructure:"cors_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

// Defaults 返回全部默认值
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":             ":8080",
		"server.mode":             "release",
		"server.read_timeout":     10 * time.Second,
		"server.write_timeout":    10 * time.Second,
		"server.idle_timeout":     60 * time.Second,
		"server.shutdown_timeout": 10 * time.Second,
		"server.trusted_proxies":  []string{},

		"log.level":        "info",
		"log.format":       "json",
		"log.file":         "",
		"log.max_size_mb":  100,
		"log.max_age_days": 30,
		"log.max_backups":  10,
		"log.compress":     false,
		"log.caller":       false,

		"tracing.enabled":       false,
		"tracing.service_name":  "callsignal",
		"tracing.environment":   "development",
		"tracing.exporter":      "stdout",
		"tracing.endpoint":      "",
		"tracing.insecure":      true,
		"tracing.sampling_rate": 1.0,

		"database.type":              "sqlite",
		"database.dsn":               "file:callsignal.db?cache=shared",
		"database.replicas":          []string{},
		"database.max_idle_conns":    10,
		"database.max_open_conns":    50,
		"database.conn_max_lifetime": time.Hour,
		"database.log_level":         2,
		"database.auto_migrate":      true,

		"redis.enabled":       false,
		"redis.mode":          "standalone",
		"redis.addr":          "localhost:6379",
		"redis.addrs":         []string{},
		"redis.master_name":   "",
		"redis.username":      "",
		"redis.password":      "",
		"redis.db":            0,
		"redis.pool_size":     20,
		"redis.dial_timeout":  5 * time.Second,
		"redis.read_timeout":  3 * time.Second,
		"redis.write_timeout": 3 * time.Second,

		"ws.path":               "/ws/call",
		"ws.max_connections":    10000,
		"ws.max_message_size":   65536,
		"ws.heartbeat_interval": 10 * time.Second,
		"ws.idle_timeout":       30 * time.Second,
		"ws.send_queue_size":    256,
		"ws.allowed_origins":    []string{},

		"signaling.rate_limit": 20,

		"call.max_minutes":       60,
		"call.cleanup_interval":  30 * time.Second,
		"call.session_ttl":       70 * time.Minute,
		"call.expired_as_failed": true,

		"eligibility.enabled":        true,
		"eligibility.base_url":       "http://localhost:8090/api/reservations",
		"eligibility.timeout":        5 * time.Second,
		"eligibility.retry_attempts": 2,

		"auth.required":    true,
		"auth.jwt_secret":  "",
		"auth.cookie_name": "access_token",

		"ice.stun_urls":     []string{"stun:stun.l.google.com:19302"},
		"ice.turn_urls":     []string{},
		"ice.turn_username": "",
		"ice.turn_password": "",

		"http.cors_origins":     []string{"*"},
		"http.rate_limit_rps":   50.0,
		"http.rate_limit_burst": 100,
	}
}

// EnvAliases 历史部署使用的环境变量名
func EnvAliases() map[string][]string {
	return map[string][]string{
		"call.max_minutes":     {"CALL_MAX_MINUTES"},
		"signaling.rate_limit": {"WS_RATE_LIMIT"},
		"eligibility.base_url": {"RESERVATIONS_BASE_URL"},
		"ice.stun_urls":        {"STUN_URLS"},
		"ice.turn_urls":        {"TURN_URLS"},
		"ice.turn_username":    {"TURN_USERNAME"},
		"ice.turn_password":    {"TURN_PASSWORD"},
		"redis.addr":          {"REDIS_ADDR"},
		"redis.password":      {"REDIS_PASSWORD"},
		"auth.jwt_secret":      {"JWT_SECRET"},
	}
}

// NewServiceConfig 创建服务配置管理器
// file 为空时在 . 与 ./configs 下查找 config.yaml，找不到则仅使用默认值与环境变量
func NewServiceConfig(file string, extra ...Option) *Config {
	opts := []Option{
		WithDefaults(Defaults()),
		WithEnvPrefix(EnvPrefix),
		WithEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
		WithEnvAliases(EnvAliases()),
	}
	if file != "" {
		opts = append(opts, WithConfigFile(file))
	} else {
		opts = append(opts,
			WithConfigName("config"),
			WithConfigType("yaml"),
			WithConfigPaths(".", "./configs"),
			WithOptional(true),
		)
	}
	return New(append(opts, extra...)...)
}

// Settings 反序列化并校验服务配置
func (c *Config) Settings() (*Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return nil, ErrConfigReadFailed.WithError(err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// normalize 清理列表项两端空白并去掉空项（环境变量中的 CSV 常带空格）
func (s *Settings) normalize() {
	s.ICE.STUNURLs = cleanList(s.ICE.STUNURLs)
	s.ICE.TURNURLs = cleanList(s.ICE.TURNURLs)
	s.HTTP.CORSOrigins = cleanList(s.HTTP.CORSOrigins)
	s.WS.AllowedOrigins = cleanList(s.WS.AllowedOrigins)
	s.Database.Replicas = cleanList(s.Database.Replicas)
	s.Redis.Addrs = cleanList(s.Redis.Addrs)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate 校验配置
func (s *Settings) Validate() error {
	switch {
	case s.Signaling.RateLimit < 0:
		return ErrConfigInvalid.WithMessagef("signaling.rate_limit must be >= 0, got %d", s.Signaling.RateLimit)
	case s.Call.MaxMinutes <= 0:
		return ErrConfigInvalid.WithMessagef("call.max_minutes must be positive, got %d", s.Call.MaxMinutes)
	case s.Call.CleanupInterval <= 0:
		return ErrConfigInvalid.WithMessagef("call.cleanup_interval must be positive, got %v", s.Call.CleanupInterval)
	case s.WS.HeartbeatInterval <= 0 || s.WS.IdleTimeout <= s.WS.HeartbeatInterval:
		return ErrConfigInvalid.WithMessagef("ws.idle_timeout (%v) must exceed ws.heartbeat_interval (%v)",
			s.WS.IdleTimeout, s.WS.HeartbeatInterval)
	case s.WS.MaxMessageSize <= 0:
		return ErrConfigInvalid.WithMessage("ws.max_message_size must be positive")
	case s.Eligibility.Enabled && s.Eligibility.BaseURL == "":
		return ErrConfigInvalid.WithMessage("eligibility.base_url is required when eligibility is enabled")
	case s.Redis.Enabled && s.Redis.Mode != "standalone" && len(s.Redis.Addrs) == 0:
		return ErrConfigInvalid.WithMessagef("redis.addrs is required in %s mode", s.Redis.Mode)
	}
	return nil
}
