package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/errors"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/response"
)

// RateLimiterConfig REST 限流配置
type RateLimiterConfig struct {
	// RequestsPerSecond 令牌补充速率（默认 50）
	RequestsPerSecond float64

	// Burst 桶容量（默认 100）
	Burst int

	// KeyFunc 限流 key，默认客户端 IP
	KeyFunc func(c *gin.Context) string

	// ExcludePaths 不限流的路径
	ExcludePaths []string

	// BucketExpiry 超过该时长未访问的桶被清理（默认 10 分钟）
	BucketExpiry time.Duration

	Logger logger.Logger

	now func() time.Time
}

func (cfg *RateLimiterConfig) setDefaults() {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	if cfg.BucketExpiry <= 0 {
		cfg.BucketExpiry = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
}

// tokenBucket 令牌桶，由 bucketStore 的锁保护
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// bucketStore 按 key 保存令牌桶，在请求路径上顺带清理过期桶
type bucketStore struct {
	rate      float64
	burst     float64
	expiry    time.Duration
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func (s *bucketStore) allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.expiry {
		for k, b := range s.buckets {
			if now.Sub(b.lastRefill) > s.expiry {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: s.burst, lastRefill: now}
		s.buckets[key] = b
	}
	b.tokens = min(s.burst, b.tokens+now.Sub(b.lastRefill).Seconds()*s.rate)
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (s *bucketStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimiter 令牌桶限流中间件，超限返回 429
func RateLimiter(cfgs ...*RateLimiterConfig) gin.HandlerFunc {
	cfg := &RateLimiterConfig{}
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}
	cfg.setDefaults()
	return newRateLimiter(cfg, &bucketStore{
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.Burst),
		expiry:  cfg.BucketExpiry,
		buckets: make(map[string]*tokenBucket),
	})
}

func newRateLimiter(cfg *RateLimiterConfig, store *bucketStore) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(cfg.ExcludePaths))
	for _, p := range cfg.ExcludePaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		key := cfg.KeyFunc(c)
		if !store.allow(key, cfg.now()) {
			cfg.Logger.WarnContext(c.Request.Context(), "rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Request.URL.Path),
			)
			response.Abort(c, errors.ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
