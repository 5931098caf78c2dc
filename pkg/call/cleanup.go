package call

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

// DefaultCleanupInterval 默认清理间隔
const DefaultCleanupInterval = 30 * time.Second

// Cleanup 周期性结束超时会话并清除过期记录
type Cleanup struct {
	svc      *Service
	interval time.Duration
	log      logger.Logger
	cron     *cron.Cron

	expiredAsFailed bool
}

// CleanupOption 清理任务选项
type CleanupOption func(*Cleanup)

// WithExpiredAsFailedSetup 超时结束且从未连接成功的会话是否计入建立失败，默认计入
func WithExpiredAsFailedSetup(enable bool) CleanupOption {
	return func(c *Cleanup) {
		c.expiredAsFailed = enable
	}
}

// NewCleanup 创建清理任务，interval <= 0 时使用默认值
// robfig/cron 的 @every 最小粒度为 1 秒
func NewCleanup(svc *Service, interval time.Duration, log logger.Logger, opts ...CleanupOption) *Cleanup {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(zap.String("component", "call.cleanup"))

	cl := cronLogger{log: log}
	c := &Cleanup{
		svc:      svc,
		interval: interval,
		log:      log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		expiredAsFailed: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 注册并启动定时任务
func (c *Cleanup) Start() error {
	expr := fmt.Sprintf("@every %s", c.interval)
	if _, err := c.cron.AddFunc(expr, c.run); err != nil {
		return fmt.Errorf("call: schedule cleanup %q: %w", expr, err)
	}
	c.cron.Start()
	c.log.Info("cleanup scheduler started", zap.Duration("interval", c.interval))
	return nil
}

// Stop 停止调度并等待正在执行的清理结束
func (c *Cleanup) Stop(ctx context.Context) {
	select {
	case <-c.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (c *Cleanup) run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	if _, err := c.Sweep(ctx); err != nil {
		c.log.Error("cleanup sweep failed", zap.Error(err))
	}
}

// Sweep 执行一次清理，返回本次结束的会话数
// 超过最大时长的未结束会话通过 Service.End 结束。
// 其中从未连接成功的会话默认额外记一次建立失败，计入 successRate5m；
// 只结束不计数的行为用 WithExpiredAsFailedSetup(false) 打开。
func (c *Cleanup) Sweep(ctx context.Context) (int, error) {
	now := c.svc.now()
	active, err := c.svc.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, s := range active {
		if s.Age(now) <= c.svc.maxDuration {
			continue
		}
		ok, err := c.svc.End(ctx, s.SessionID)
		if err != nil {
			c.log.Warn("auto end failed", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		ended++
		c.log.Info("auto end by scheduler",
			zap.String("session_id", s.SessionID),
			zap.Duration("age", s.Age(now)),
		)
		if c.expiredAsFailed && !s.Connected() {
			c.svc.MarkFailedSetup(ctx, s.SessionID)
		}
	}

	purged, err := c.svc.store.PurgeExpired(ctx, now)
	if err != nil {
		return ended, err
	}
	if purged > 0 {
		c.log.Info("expired sessions purged", zap.Int64("count", purged))
	}
	return ended, nil
}

// cronLogger 将 cron 内部日志写入项目 logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Zap().Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Zap().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
