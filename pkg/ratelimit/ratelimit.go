// Package ratelimit 固定一秒窗口的消息限流
package ratelimit

import (
	"sync"
	"time"
)

// Limiter 固定窗口计数器
// 窗口以墙钟秒为单位，秒数变化时计数归零
type Limiter struct {
	limit int
	now   func() time.Time

	mu          sync.Mutex
	windowStart int64
	count       int
}

// Option 限流器选项
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New 创建限流器，limit 为每秒允许的次数
func New(limit int, opts ...Option) *Limiter {
	o := buildOptions(opts)
	return &Limiter{limit: limit, now: o.now}
}

// TryAcquire 尝试获取一次配额
// limit <= 0 时始终返回 false
func (l *Limiter) TryAcquire() bool {
	if l.limit <= 0 {
		return false
	}

	sec := l.now().Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	if sec != l.windowStart {
		l.windowStart = sec
		l.count = 0
	}
	l.count++
	return l.count <= l.limit
}

// Limit 返回每秒上限
func (l *Limiter) Limit() int {
	return l.limit
}

// Keyed 按 key（连接 ID）隔离的限流器集合
type Keyed struct {
	limit    int
	opts     []Option
	limiters sync.Map // key -> *Limiter
}

// NewKeyed 创建按 key 限流的集合
func NewKeyed(limit int, opts ...Option) *Keyed {
	return &Keyed{limit: limit, opts: opts}
}

// Allow 对 key 获取一次配额
func (k *Keyed) Allow(key string) bool {
	if v, ok := k.limiters.Load(key); ok {
		return v.(*Limiter).TryAcquire()
	}
	v, _ := k.limiters.LoadOrStore(key, New(k.limit, k.opts...))
	return v.(*Limiter).TryAcquire()
}

// Forget 连接断开后释放 key 对应的状态
func (k *Keyed) Forget(key string) {
	k.limiters.Delete(key)
}

// Len 当前跟踪的 key 数量
func (k *Keyed) Len() int {
	n := 0
	k.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
