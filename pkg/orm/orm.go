package orm

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"

	"github.com/tokmz/callsignal/pkg/logger"
)

// New 创建 GORM 数据库实例
func New(cfg *Config, log logger.Logger) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("orm: DSN is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	dialector, err := dialectorFor(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: cfg.SkipDefaultTransaction,
		PrepareStmt:            cfg.PrepareStmt,
		TranslateError:         true,
		Logger:                 newGormLogger(log, cfg),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: cfg.TablePrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("orm: connect %s: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("orm: get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if len(cfg.Replicas) > 0 {
		if err := useReplicas(db, cfg); err != nil {
			return nil, fmt.Errorf("orm: setup replicas: %w", err)
		}
	}

	if cfg.Tracing {
		if err := db.Use(NewTracingPlugin()); err != nil {
			return nil, fmt.Errorf("orm: register tracing: %w", err)
		}
	}

	return db, nil
}

// dialectorFor 根据数据库类型返回对应的 Dialector
func dialectorFor(dbType DBType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case MySQL:
		return mysql.Open(dsn), nil
	case Postgres:
		return postgres.Open(dsn), nil
	case SQLite:
		return sqlite.Open(dsn), nil
	case SQLServer:
		return sqlserver.Open(dsn), nil
	default:
		return nil, fmt.Errorf("orm: unsupported database type: %q", dbType)
	}
}

// useReplicas 注册 dbresolver，读走从库、写走主库
func useReplicas(db *gorm.DB, cfg *Config) error {
	replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
	for _, dsn := range cfg.Replicas {
		d, err := dialectorFor(cfg.Type, dsn)
		if err != nil {
			return err
		}
		replicas = append(replicas, d)
	}

	var policy dbresolver.Policy = dbresolver.RandomPolicy{}
	if cfg.ReplicaPolicy == "round_robin" {
		policy = dbresolver.RoundRobinPolicy()
	}

	resolver := dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   policy,
	}).
		SetMaxIdleConns(cfg.MaxIdleConns).
		SetMaxOpenConns(cfg.MaxOpenConns).
		SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db.Use(resolver)
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
