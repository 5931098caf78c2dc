package ws

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client 单个 WebSocket 连接
// 读协程串行回调 Handler.OnMessage，写协程独占写入
type Client struct {
	id      string
	conn    *websocket.Conn
	manager *Manager

	userID string
	roles  []string
	token  string

	send chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeCode int
	closeText string
	writeDone chan struct{}
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithClientID 指定连接 ID
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.id = id }
}

// WithIdentity 绑定握手阶段认证得到的身份
func WithIdentity(userID string, roles []string, token string) ClientOption {
	return func(c *Client) {
		c.userID = userID
		c.roles = roles
		c.token = token
	}
}

func newClient(conn *websocket.Conn, m *Manager, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(m.ctx)
	c := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		manager:   m,
		send:      make(chan []byte, m.config.SendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		writeDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID 连接 ID
func (c *Client) ID() string { return c.id }

// UserID 握手时绑定的用户 ID，未认证时为空
func (c *Client) UserID() string { return c.userID }

// Roles 用户角色
func (c *Client) Roles() []string { return c.roles }

// Token 原始访问令牌
func (c *Client) Token() string { return c.token }

// Context 连接生命周期上下文，关闭时取消
func (c *Client) Context() context.Context { return c.ctx }

// RemoteAddr 远端地址
func (c *Client) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Send 非阻塞入队，队列满返回 ErrChannelFull
func (c *Client) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.manager.metrics.IncrementDroppedMessages()
		return ErrChannelFull
	}
}

// maxCloseReason 关闭帧 reason 的最大字节数
const maxCloseReason = 123

// Close 以 code/reason 关闭连接，可重复调用
// 已入队的消息先于关闭帧写出
func (c *Client) Close(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = strings.ToValidUTF8(reason[:maxCloseReason], "")
	}
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = reason
		c.closed.Store(true)
		c.cancel()
	})
}

// IsClosed 是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// run 阻塞直到连接结束，结束后恰好回调一次 OnDisconnect
func (c *Client) run() {
	go c.writePump()
	c.readPump()

	c.Close(websocket.CloseNormalClosure, "")
	<-c.writeDone

	c.manager.pool.Remove(c.id)
	c.manager.metrics.DecrementConnections()
	c.manager.handler.OnDisconnect(c)
}

func (c *Client) readPump() {
	cfg := c.manager.config
	log := c.manager.log

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.onReadError(err)
			return
		}
		if c.closed.Load() {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		c.manager.metrics.IncrementMessages()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("ws handler panic", zap.String("client_id", c.id), zap.Any("panic", r))
					c.Close(websocket.CloseInternalServerErr, "internal error")
				}
			}()
			c.manager.handler.OnMessage(c, data)
		}()
	}
}

func (c *Client) onReadError(err error) {
	if c.closed.Load() {
		return
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		c.manager.log.Debug("ws idle timeout", zap.String("client_id", c.id))
		c.Close(websocket.CloseGoingAway, "idle timeout")
	case errors.Is(err, websocket.ErrReadLimit):
		c.Close(websocket.CloseMessageTooBig, "message too big")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.manager.metrics.IncrementReadErrors()
		c.manager.log.Debug("ws read failed", zap.String("client_id", c.id), zap.Error(err))
	}
}

func (c *Client) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.ctx.Done():
			// 管理器关闭时父上下文先于 Close 取消
			c.Close(websocket.CloseGoingAway, "server shutdown")
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteWait))
			}
			return

		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.manager.metrics.IncrementWriteErrors()
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.manager.metrics.IncrementWriteErrors()
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// flush 关闭前写出队列中剩余的消息
func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
