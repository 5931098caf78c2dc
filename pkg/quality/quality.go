// Package quality 通话建立质量的滑动窗口统计
package quality

import (
	"math"
	"slices"
	"sync"
	"time"
)

// DefaultWindow 默认统计窗口
const DefaultWindow = 5 * time.Minute

// Snapshot 统计快照
type Snapshot struct {
	P95Ms       int64   `json:"p95_ms"`
	P99Ms       int64   `json:"p99_ms"`
	SuccessRate float64 `json:"successRate5m"`
	Samples     int     `json:"samples"`
}

type sample struct {
	at      time.Time
	setupMs int64
}

// Engine 质量统计引擎
// 维护三条按时间淘汰的队列：建立耗时样本、成功时间戳、失败时间戳
type Engine struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	samples   []sample
	successes []time.Time
	failures  []time.Time
}

// Option 引擎选项
type Option func(*Engine)

// WithWindow 设置统计窗口
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New 创建统计引擎
func New(opts ...Option) *Engine {
	e := &Engine{window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordSuccess 记录一次建立成功及其耗时
func (e *Engine) RecordSuccess(setupMs int64) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, sample{at: now, setupMs: setupMs})
	e.successes = append(e.successes, now)
	e.evictLocked(now)
}

// RecordFailure 记录一次建立失败
func (e *Engine) RecordFailure() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures = append(e.failures, now)
	e.evictLocked(now)
}

// Snapshot 计算当前窗口的 p95/p99 与成功率
func (e *Engine) Snapshot() Snapshot {
	now := e.now()

	e.mu.Lock()
	e.evictLocked(now)
	values := make([]int64, len(e.samples))
	for i, s := range e.samples {
		values[i] = s.setupMs
	}
	ok, fail := len(e.successes), len(e.failures)
	e.mu.Unlock()

	slices.Sort(values)

	rate := 1.0
	if total := ok + fail; total > 0 {
		rate = float64(ok) / float64(total)
	}

	return Snapshot{
		P95Ms:       percentile(values, 0.95),
		P99Ms:       percentile(values, 0.99),
		SuccessRate: rate,
		Samples:     len(values),
	}
}

// evictLocked 淘汰窗口外的记录，队列按时间有序
func (e *Engine) evictLocked(now time.Time) {
	cutoff := now.Add(-e.window)

	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]
	e.successes = evictBefore(e.successes, cutoff)
	e.failures = evictBefore(e.failures, cutoff)
}

func evictBefore(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	return q[i:]
}

// percentile 最近秩法：index = ceil(q*n)-1，钳制到 [0, n-1]
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(n))) - 1
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}
