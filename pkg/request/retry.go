package request

import (
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts  int                             // 重试次数，不含首次请求（默认 2）
	InitialDelay time.Duration                   // 初始退避（默认 100ms）
	MaxDelay     time.Duration                   // 最大退避（默认 2s）
	Multiplier   float64                         // 退避倍数（默认 2）
	RetryIf      func(status int, err error) bool // 重试条件，status 为 0 表示没有响应
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() *RetryConfig {
	rc := &RetryConfig{}
	rc.normalize()
	return rc
}

// RetryOnServerError 网络错误或 5xx 时重试
func RetryOnServerError(status int, err error) bool {
	return err != nil || status >= http.StatusInternalServerError
}

func (rc *RetryConfig) normalize() {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 2
	}
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = 100 * time.Millisecond
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = 2 * time.Second
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = 2
	}
	if rc.RetryIf == nil {
		rc.RetryIf = RetryOnServerError
	}
}

// backoff 第 attempt 次重试前的等待时间，带 ±25% 抖动
func (rc *RetryConfig) backoff(attempt int) time.Duration {
	delay := math.Min(float64(rc.InitialDelay)*math.Pow(rc.Multiplier, float64(attempt)), float64(rc.MaxDelay))
	delay += delay * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(max(delay, 0))
}
