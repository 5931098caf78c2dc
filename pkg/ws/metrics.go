package ws

import "sync/atomic"

// Metrics 监控接口
type Metrics interface {
	IncrementConnections()
	DecrementConnections()
	IncrementMessages()
	IncrementDroppedMessages()
	IncrementReadErrors()
	IncrementWriteErrors()
}

// Counters 基于原子计数的默认实现
type Counters struct {
	connections atomic.Int64
	messages    atomic.Int64
	dropped     atomic.Int64
	readErrors  atomic.Int64
	writeErrors atomic.Int64
}

// Stats 计数快照
type Stats struct {
	Connections     int64 `json:"connections"`
	Messages        int64 `json:"messages"`
	DroppedMessages int64 `json:"droppedMessages"`
	ReadErrors      int64 `json:"readErrors"`
	WriteErrors     int64 `json:"writeErrors"`
}

func (m *Counters) IncrementConnections()     { m.connections.Add(1) }
func (m *Counters) DecrementConnections()     { m.connections.Add(-1) }
func (m *Counters) IncrementMessages()        { m.messages.Add(1) }
func (m *Counters) IncrementDroppedMessages() { m.dropped.Add(1) }
func (m *Counters) IncrementReadErrors()      { m.readErrors.Add(1) }
func (m *Counters) IncrementWriteErrors()     { m.writeErrors.Add(1) }

// Stats 返回当前计数
func (m *Counters) Stats() Stats {
	return Stats{
		Connections:     m.connections.Load(),
		Messages:        m.messages.Load(),
		DroppedMessages: m.dropped.Load(),
		ReadErrors:      m.readErrors.Load(),
		WriteErrors:     m.writeErrors.Load(),
	}
}
