// Package ws WebSocket 传输层：升级、读写协程、发送队列与连接池
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

// Handler 连接事件回调
// OnMessage 在连接的读协程中串行调用；OnDisconnect 每个连接恰好调用一次
type Handler interface {
	OnConnect(c *Client)
	OnMessage(c *Client, data []byte)
	OnDisconnect(c *Client)
}

// Manager 管理升级与在线连接
type Manager struct {
	pool     *ConnectionPool
	handler  Handler
	config   *Config
	upgrader *websocket.Upgrader
	metrics  Metrics
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建管理器
func NewManager(handler Handler, opts ...Option) (*Manager, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Counters{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pool:     NewConnectionPool(cfg.MaxConnections),
		handler:  handler,
		config:   cfg,
		upgrader: newUpgrader(cfg),
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With(zap.String("component", "ws")),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// HandleUpgrade 升级连接并在后台运行读写协程
// 连接数已满时在升级前返回 503
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request, opts ...ClientOption) error {
	if m.ctx.Err() != nil || m.pool.Full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return ErrTooManyConnections
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newClient(conn, m, opts...)
	if err := m.pool.Add(c); err != nil {
		// 并发升级时可能越过上限
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.config.WriteWait))
		_ = conn.Close()
		c.cancel()
		return err
	}
	m.metrics.IncrementConnections()
	m.handler.OnConnect(c)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.run()
	}()
	return nil
}

// Get 获取连接
func (m *Manager) Get(id string) (*Client, bool) {
	return m.pool.Get(id)
}

// Count 在线连接数
func (m *Manager) Count() int {
	return m.pool.Count()
}

// Metrics 监控实现
func (m *Manager) Metrics() Metrics {
	return m.metrics
}

// Shutdown 以 1001 关闭所有连接并等待协程退出
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, c := range m.pool.Snapshot() {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrConnectionClosed, ctx.Err())
	}
}
