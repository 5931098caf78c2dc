package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/auth"
	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/config"
	"github.com/tokmz/callsignal/pkg/eligibility"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/orm"
	"github.com/tokmz/callsignal/pkg/pubsub"
	"github.com/tokmz/callsignal/pkg/quality"
	"github.com/tokmz/callsignal/pkg/registry"
	"github.com/tokmz/callsignal/pkg/server"
	"github.com/tokmz/callsignal/pkg/signaling"
	"github.com/tokmz/callsignal/pkg/tracing"
)

var version = "dev"

func main() {
	configFile := pflag.StringP("config", "c", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, "callsignal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	var (
		log logger.Logger
		cfg *config.Config
	)
	// 配置文件变更时只热更新日志级别，其余配置需重启生效
	cfg = config.NewServiceConfig(configFile,
		config.WithOnChange(func() {
			level := logger.ParseLevel(cfg.GetString("log.level"))
			if level != log.Level() {
				log.SetLevel(level)
				log.Info("log level reloaded", zap.String("level", level.String()))
			}
		}),
	)
	if err := cfg.Load(); err != nil {
		return err
	}
	defer cfg.Close()

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	log, err = newLogger(settings.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.ConfigFileUsed() != "" {
		cfg.StartWatch()
	}
	log.Info("starting callsignal", zap.String("version", version), zap.String("config", cfg.ConfigFileUsed()))

	if err := setupTracing(ctx, settings.Tracing); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, closeStore, err := newStore(settings, log)
	if err != nil {
		return err
	}
	defer closeStore()

	calls := call.NewService(store, quality.New(), settings.Call.MaxDuration(), call.WithLogger(log))
	cleanup := call.NewCleanup(calls, settings.Call.CleanupInterval, log,
		call.WithExpiredAsFailedSetup(settings.Call.ExpiredAsFailed))
	if err := cleanup.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cleanup.Stop(stopCtx)
	}()

	bridge, err := newBridge(ctx, settings.Redis, log)
	if err != nil {
		return err
	}
	defer func() { _ = bridge.Close() }()

	var checker eligibility.Checker = eligibility.AllowAll{}
	if settings.Eligibility.Enabled {
		checker = eligibility.NewClient(eligibility.Config{
			BaseURL:       settings.Eligibility.BaseURL,
			Timeout:       settings.Eligibility.Timeout,
			RetryAttempts: settings.Eligibility.RetryAttempts,
			Tracing:       settings.Tracing.Enabled,
			Logger:        log,
		})
	} else {
		log.Warn("reservation eligibility check disabled")
	}

	sig := signaling.NewHandler(registry.New(), bridge, calls, checker, signaling.Config{
		RateLimit: settings.Signaling.RateLimit,
		Logger:    log,
	})

	srv, err := server.New(server.Deps{
		Calls:     calls,
		Signaling: sig,
		Bridge:    bridge,
		Auth:      auth.NewParser(settings.Auth.JWTSecret),
		Logger:    log,
	}, server.FromSettings(settings)...)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func newLogger(s config.LogSettings) (logger.Logger, error) {
	lc := &logger.Config{
		Level:        logger.ParseLevel(s.Level),
		Format:       logger.Format(s.Format),
		Console:      true,
		EnableCaller: s.Caller,
	}
	if s.File != "" {
		lc.Rotate = &logger.RotateConfig{
			Filename:   s.File,
			MaxSize:    s.MaxSizeMB,
			MaxAge:     s.MaxAgeDays,
			MaxBackups: s.MaxBackups,
			Compress:   s.Compress,
		}
	}
	return logger.New(lc)
}

func setupTracing(ctx context.Context, s config.TracingSettings) error {
	tc := tracing.DefaultConfig()
	tc.Enabled = s.Enabled
	tc.ServiceName = s.ServiceName
	tc.ServiceVersion = version
	tc.Environment = s.Environment
	tc.Exporter = s.Exporter
	tc.Endpoint = s.Endpoint
	tc.Insecure = s.Insecure
	tc.SamplingRate = s.SamplingRate
	_, err := tracing.NewTracerProvider(ctx, tc)
	return err
}

// newStore memory 类型只用于本地开发与测试，进程重启后会话丢失
func newStore(s *config.Settings, log logger.Logger) (call.Store, func(), error) {
	if s.Database.Type == "memory" {
		log.Warn("using in-memory call session store")
		return call.NewMemoryStore(), func() {}, nil
	}

	oc := orm.DefaultConfig()
	oc.Type = orm.DBType(s.Database.Type)
	oc.DSN = s.Database.DSN
	oc.Replicas = s.Database.Replicas
	oc.MaxIdleConns = s.Database.MaxIdleConns
	oc.MaxOpenConns = s.Database.MaxOpenConns
	oc.ConnMaxLifetime = s.Database.ConnMaxLifetime
	oc.LogLevel = s.Database.LogLevel
	oc.Tracing = s.Tracing.Enabled

	db, err := orm.New(oc, log)
	if err != nil {
		return nil, nil, err
	}
	store, err := call.NewGormStore(db, s.Database.AutoMigrate)
	if err != nil {
		_ = orm.Close(db)
		return nil, nil, err
	}
	return store, func() {
		if err := orm.Close(db); err != nil {
			log.Warn("close database failed", zap.Error(err))
		}
	}, nil
}

// newBridge redis 未启用时只在本进程内投递
// redis 启动时不可达不阻止进程启动，桥以不健康状态运行并只做本地投递
func newBridge(ctx context.Context, s config.RedisSettings, log logger.Logger) (*pubsub.Bridge, error) {
	if !s.Enabled {
		log.Info("redis pubsub disabled, fanout is local to this process")
		return pubsub.New(nil, log), nil
	}
	client, err := pubsub.NewRedisClient(&pubsub.RedisConfig{
		Mode:         pubsub.RedisMode(s.Mode),
		Addr:         s.Addr,
		Addrs:        s.Addrs,
		MasterName:   s.MasterName,
		Username:     s.Username,
		Password:     s.Password,
		DB:           s.DB,
		PoolSize:     s.PoolSize,
		DialTimeout:  s.DialTimeout,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	backend := pubsub.NewRedisBackend(client, pubsub.WithLogger(log))
	if err := pubsub.PingRedis(ctx, client); err != nil {
		log.Warn("redis unreachable at startup, fanout is local to this process",
			zap.String("addr", s.Addr), zap.Error(err))
		return pubsub.New(backend, log, pubsub.WithStartupError(err)), nil
	}
	return pubsub.New(backend, log), nil
}
