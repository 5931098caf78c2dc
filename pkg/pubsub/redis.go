package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Mode         RedisMode
	Addr         string   // 单机地址
	Addrs        []string // 集群节点或哨兵地址
	MasterName   string   // 哨兵模式主节点名
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient 按模式创建客户端，连接在首次使用时建立
func NewRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
	}

	var client redis.UniversalClient

	switch cfg.Mode {
	case RedisStandalone, "":
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})

	case RedisCluster:
		if len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("%w: cluster mode requires addrs", ErrInvalidConfig)
		}
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})

	case RedisSentinel:
		if len(cfg.Addrs) == 0 || cfg.MasterName == "" {
			return nil, fmt.Errorf("%w: sentinel mode requires addrs and master name", ErrInvalidConfig)
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})

	default:
		return nil, fmt.Errorf("%w: unsupported redis mode: %s", ErrInvalidConfig, cfg.Mode)
	}

	return client, nil
}

// PingRedis 探活，最多等待 5 秒
func PingRedis(ctx context.Context, client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

// frame Redis 上传输的消息帧，origin 为发布节点
type frame struct {
	Origin string `json:"origin"`
	Data   []byte `json:"data"`
}

// RedisBackend 基于 Redis Pub/Sub 的后端
// 所有频道共用一个 PubSub 连接，由单个 goroutine 分发
type RedisBackend struct {
	client redis.UniversalClient
	nodeID string
	log    logger.Logger

	mu       sync.Mutex
	ps       *redis.PubSub
	handlers map[string]func([]byte)
	closed   bool

	wg sync.WaitGroup
}

// RedisOption 后端选项
type RedisOption func(*RedisBackend)

// WithNodeID 指定节点 ID，默认随机生成
func WithNodeID(id string) RedisOption {
	return func(r *RedisBackend) {
		r.nodeID = id
	}
}

// WithLogger 设置日志
func WithLogger(log logger.Logger) RedisOption {
	return func(r *RedisBackend) {
		r.log = log
	}
}

// NewRedisBackend 创建 Redis 后端，Close 时一并关闭 client
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{
		client:   client,
		nodeID:   uuid.NewString(),
		log:      logger.Nop(),
		handlers: make(map[string]func([]byte)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("component", "pubsub.redis"), zap.String("node_id", r.nodeID))
	return r
}

// NodeID 当前节点 ID
func (r *RedisBackend) NodeID() string {
	return r.nodeID
}

// Publish 发布带来源标记的消息帧
func (r *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	data, err := r.encode(payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return nil
}

// Subscribe 订阅频道
func (r *RedisBackend) Subscribe(ctx context.Context, channel string, deliver func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if r.ps == nil {
		r.ps = r.client.Subscribe(ctx)
		r.wg.Add(1)
		go r.loop(r.ps.Channel())
	}

	r.handlers[channel] = deliver
	if err := r.ps.Subscribe(ctx, channel); err != nil {
		delete(r.handlers, channel)
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return nil
}

func (r *RedisBackend) loop(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for msg := range ch {
		r.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch 解码消息帧，丢弃本节点发布的消息
func (r *RedisBackend) dispatch(channel string, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		r.log.Warn("drop undecodable frame", zap.String("channel", channel), zap.Error(err))
		return
	}
	if f.Origin == r.nodeID {
		return
	}

	r.mu.Lock()
	deliver := r.handlers[channel]
	r.mu.Unlock()

	if deliver != nil {
		deliver(f.Data)
	}
}

func (r *RedisBackend) encode(payload []byte) ([]byte, error) {
	data, err := json.Marshal(frame{Origin: r.nodeID, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return data, nil
}

// Close 关闭订阅连接并等待分发 goroutine 退出
func (r *RedisBackend) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.ps
	r.mu.Unlock()

	var firstErr error
	if ps != nil {
		firstErr = ps.Close()
	}
	r.wg.Wait()

	if err := r.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
