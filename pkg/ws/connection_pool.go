package ws

import "sync"

// ConnectionPool 在线连接表，容量上限为 maxConns
type ConnectionPool struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	maxConns int
}

// NewConnectionPool 创建连接池
func NewConnectionPool(maxConns int) *ConnectionPool {
	return &ConnectionPool{
		clients:  make(map[string]*Client),
		maxConns: maxConns,
	}
}

// Add 添加客户端
func (p *ConnectionPool) Add(c *Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.clients[c.id]; ok {
		return ErrClientIDExists
	}
	if len(p.clients) >= p.maxConns {
		return ErrTooManyConnections
	}
	p.clients[c.id] = c
	return nil
}

// Remove 移除客户端，返回是否存在
func (p *ConnectionPool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.clients[id]; !ok {
		return false
	}
	delete(p.clients, id)
	return true
}

// Get 获取客户端
func (p *ConnectionPool) Get(id string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[id]
	return c, ok
}

// Count 连接数
func (p *ConnectionPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Full 是否已达上限
func (p *ConnectionPool) Full() bool {
	return p.Count() >= p.maxConns
}

// Snapshot 当前所有客户端
func (p *ConnectionPool) Snapshot() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}
