// Package pubsub 频道发布订阅桥
//
// 本地订阅者在每次 Publish 时同步收到消息，与分布式后端是否可用无关。
// 配置了后端时消息同时转发给后端，由其他进程的 Bridge 投递给各自的本地订阅者。
// 后端任意一次 Publish/Subscribe 失败后桥进入不健康状态并保持到进程结束，之后只做本地投递。
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

// Handler 本地订阅回调
type Handler func(payload []byte) error

// Backend 分布式后端
type Backend interface {
	// Publish 向频道发布消息
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe 订阅频道，deliver 只应收到其他进程发布的消息
	Subscribe(ctx context.Context, channel string, deliver func(payload []byte)) error
	// Close 释放连接
	Close() error
}

// Bridge 发布订阅桥
type Bridge struct {
	backend Backend
	log     logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	remoteMu sync.Mutex
	remote   map[string]struct{} // 已在后端订阅过的频道

	healthy  atomic.Bool
	startErr error
}

// Option 发布订阅桥选项
type Option func(*Bridge)

// WithStartupError 后端在启动时已不可用，桥从不健康状态开始，只做本地投递
func WithStartupError(err error) Option {
	return func(b *Bridge) {
		b.startErr = err
	}
}

// New 创建发布订阅桥，backend 为 nil 时只做本地投递
func New(backend Backend, log logger.Logger, opts ...Option) *Bridge {
	if log == nil {
		log = logger.Nop()
	}
	b := &Bridge{
		backend:  backend,
		log:      log.With(zap.String("component", "pubsub")),
		handlers: make(map[string][]Handler),
		remote:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.healthy.Store(backend != nil)
	if backend != nil && b.startErr != nil {
		b.markUnhealthy("connect", "", b.startErr)
	}
	return b
}

// Channel 房间对应的频道名
func Channel(sessionID string) string {
	return "call:" + sessionID
}

// Subscribe 注册本地回调；后端健康时确保该频道在后端只订阅一次
func (b *Bridge) Subscribe(ctx context.Context, channel string, h Handler) {
	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], h)
	b.mu.Unlock()

	b.subscribeRemote(ctx, channel)
}

func (b *Bridge) subscribeRemote(ctx context.Context, channel string) {
	if !b.healthy.Load() {
		return
	}

	b.remoteMu.Lock()
	defer b.remoteMu.Unlock()

	if _, ok := b.remote[channel]; ok {
		return
	}
	b.remote[channel] = struct{}{}

	err := b.backend.Subscribe(ctx, channel, func(payload []byte) {
		b.deliverLocal(channel, payload)
	})
	if err != nil {
		b.markUnhealthy("subscribe", channel, err)
	}
}

// Publish 先同步投递给全部本地订阅者，后端健康时再转发，后端错误只记录日志
func (b *Bridge) Publish(ctx context.Context, channel string, payload []byte) {
	b.deliverLocal(channel, payload)

	if !b.healthy.Load() {
		return
	}
	if err := b.backend.Publish(ctx, channel, payload); err != nil {
		b.markUnhealthy("publish", channel, err)
	}
}

// deliverLocal 逐个调用本地回调，单个回调的错误或 panic 不影响其他回调
func (b *Bridge) deliverLocal(channel string, payload []byte) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[channel]))
	copy(handlers, b.handlers[channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.invoke(h, payload); err != nil {
			b.log.Warn("local subscriber failed",
				zap.String("channel", channel),
				zap.Error(err),
			)
		}
	}
}

func (b *Bridge) invoke(h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(payload)
}

func (b *Bridge) markUnhealthy(op, channel string, err error) {
	if b.healthy.Swap(false) {
		b.log.Error("pubsub backend failed, falling back to local delivery",
			zap.String("op", op),
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}
	b.log.Warn("pubsub backend error", zap.String("op", op), zap.String("channel", channel), zap.Error(err))
}

// Healthy 后端是否可用
func (b *Bridge) Healthy() bool {
	return b.healthy.Load()
}

// Subscribers 频道的本地订阅者数量
func (b *Bridge) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel])
}

// Close 关闭后端
func (b *Bridge) Close() error {
	if b.backend == nil {
		return nil
	}
	return b.backend.Close()
}
