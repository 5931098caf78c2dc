package orm

import "time"

// DBType 数据库类型
type DBType string

const (
	MySQL     DBType = "mysql"
	Postgres  DBType = "postgres"
	SQLite    DBType = "sqlite"
	SQLServer DBType = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Type DBType // mysql, postgres, sqlite, sqlserver
	DSN  string

	// 连接池
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	SkipDefaultTransaction bool
	PrepareStmt            bool

	// 日志
	LogLevel      int           // 1:Silent 2:Error 3:Warn 4:Info
	SlowThreshold time.Duration // 慢查询阈值

	TablePrefix string

	// Tracing 是否注册 OpenTelemetry 回调
	Tracing bool

	// Replicas 只读从库 DSN，非空时通过 dbresolver 做读写分离
	Replicas []string
	// ReplicaPolicy 从库负载均衡: random, round_robin
	ReplicaPolicy string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Type:            SQLite,
		DSN:             "file:callsignal.db?cache=shared",
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		LogLevel:        2,
		SlowThreshold:   200 * time.Millisecond,
		ReplicaPolicy:   "random",
	}
}
