package config

import (
	"github.com/fsnotify/fsnotify"
)

// startWatch 开始监控配置文件变更
// 调用方必须持有 mu 写锁
func (c *Config) startWatch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		c.mu.RLock()
		watching := c.watching
		onChange := c.onChange
		c.mu.RUnlock()

		if watching && onChange != nil {
			onChange()
		}
	})
	c.viper.WatchConfig()
	c.watching = true
}

// StartWatch 开始监控配置文件变更，重复调用无副作用
func (c *Config) StartWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching {
		return
	}
	c.startWatch()
}

// StopWatch 停止监控
// viper 未提供停止底层 fsnotify watcher 的方法，此处仅使回调失效
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
}
