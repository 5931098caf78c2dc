package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config 配置管理器
type Config struct {
	viper *viper.Viper
	mu    sync.RWMutex

	// 配置文件相关
	configFile  string   // 配置文件完整路径
	configName  string   // 配置文件名（不含扩展名）
	configType  string   // 配置文件类型
	configPaths []string // 配置文件搜索路径
	optional    bool     // 配置文件缺失时仅使用默认值与环境变量

	// 监控相关
	autoWatch bool
	watching  bool
	onChange  func()

	// 其他选项
	defaults       map[string]any
	envPrefix      string
	envKeyReplacer *strings.Replacer
	envAliases     map[string][]string // key -> 额外的环境变量名
}

// New 创建新的配置管理器
func New(opts ...Option) *Config {
	c := &Config{
		viper: viper.New(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Load 加载配置
// 顺序：默认值 < 配置文件 < 环境变量
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.defaults {
		c.viper.SetDefault(k, v)
	}

	if c.envPrefix != "" {
		c.viper.SetEnvPrefix(c.envPrefix)
	}
	if c.envKeyReplacer != nil {
		c.viper.SetEnvKeyReplacer(c.envKeyReplacer)
	}
	c.viper.AutomaticEnv()

	for key, envs := range c.envAliases {
		// 前缀形式的环境变量优先
		names := append([]string{c.envName(key)}, envs...)
		if err := c.viper.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("%w: bind env %s: %w", ErrConfigReadFailed, key, err)
		}
	}

	if c.configFile != "" {
		c.viper.SetConfigFile(c.configFile)
	} else {
		if c.configName != "" {
			c.viper.SetConfigName(c.configName)
		}
		if c.configType != "" {
			c.viper.SetConfigType(c.configType)
		}
		for _, path := range c.configPaths {
			c.viper.AddConfigPath(path)
		}
	}

	if c.configFile == "" && c.configName == "" {
		return nil
	}

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if c.optional {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
		}
		return fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}

	if c.autoWatch {
		c.startWatch()
	}

	return nil
}

// envName 计算 key 对应的带前缀环境变量名
func (c *Config) envName(key string) string {
	name := key
	if c.envKeyReplacer != nil {
		name = c.envKeyReplacer.Replace(name)
	}
	name = strings.ToUpper(name)
	if c.envPrefix != "" {
		name = strings.ToUpper(c.envPrefix) + "_" + name
	}
	return name
}

// Get 泛型获取配置值，类型不匹配时返回零值
func Get[T any](c *Config, key string) T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.viper.Get(key).(T); ok {
		return v
	}
	var zero T
	return zero
}

// GetString 获取字符串配置值
func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetString(key)
}

// GetInt 获取整数配置值
func (c *Config) GetInt(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetInt(key)
}

// GetBool 获取布尔配置值
func (c *Config) GetBool(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetBool(key)
}

// GetDuration 获取时间间隔配置值
func (c *Config) GetDuration(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetDuration(key)
}

// GetStringSlice 获取字符串切片配置值
func (c *Config) GetStringSlice(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetStringSlice(key)
}

// Set 设置配置值
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viper.Set(key, value)
}

// IsSet 检查配置键是否存在
func (c *Config) IsSet(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.IsSet(key)
}

// Unmarshal 将配置反序列化到结构体
func (c *Config) Unmarshal(rawVal any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.Unmarshal(rawVal)
}

// UnmarshalKey 将指定 key 的配置反序列化到结构体
func (c *Config) UnmarshalKey(key string, rawVal any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.UnmarshalKey(key, rawVal)
}

// ConfigFileUsed 返回实际读取的配置文件
func (c *Config) ConfigFileUsed() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.ConfigFileUsed()
}

// Close 停止监控
func (c *Config) Close() {
	c.StopWatch()
}
