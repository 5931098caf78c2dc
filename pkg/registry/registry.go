// Package registry 进程内的房间成员表：room -> participant -> 连接句柄
package registry

import "sync"

// Conn 注册表持有的连接句柄
type Conn interface {
	ID() string
	Send(data []byte) error
	IsClosed() bool
}

// Registry 会话注册表，并发安全
// 同一 participant 重复注册时后者覆盖前者，房间最后一个成员离开后房间条目随之删除
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn
}

// New 创建注册表
func New() *Registry {
	return &Registry{rooms: make(map[string]map[string]Conn)}
}

// Register 注册或覆盖 participant 的连接，返回被替换的旧句柄（没有则为 nil）
func (r *Registry) Register(room, participant string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn, 2)
		r.rooms[room] = members
	}
	prev := members[participant]
	members[participant] = conn
	return prev
}

// JoinResult Join 的结果
type JoinResult struct {
	Previous  Conn // 同一 participant 被替换的旧句柄
	Initiator bool // 加入前房间内没有其他成员
	Size      int  // 加入后的成员数
}

// Join 在容量允许时注册 participant
// 房间已有 capacity 个成员且 participant 不在其中时返回 ok=false，成员不变
// 容量判断与注册在同一把锁内完成
func (r *Registry) Join(room, participant string, conn Conn, capacity int) (JoinResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	prev, present := members[participant]
	if !present && len(members) >= capacity {
		return JoinResult{Size: len(members)}, false
	}

	others := len(members)
	if present {
		others--
	}

	if members == nil {
		members = make(map[string]Conn, capacity)
		r.rooms[room] = members
	}
	members[participant] = conn

	return JoinResult{Previous: prev, Initiator: others == 0, Size: len(members)}, true
}

// Unregister 移除 participant，不存在时为空操作
func (r *Registry) Unregister(room, participant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(room, participant)
}

// Remove 仅当当前句柄就是 conn 时才移除，返回是否移除
// 用于旧连接断开时不误删已重连的新句柄
func (r *Registry) Remove(room, participant string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rooms[room][participant]
	if !ok || cur != conn {
		return false
	}
	r.deleteLocked(room, participant)
	return true
}

func (r *Registry) deleteLocked(room, participant string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, participant)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Get 返回房间成员的快照，房间不存在时返回空 map（非 nil）
// 返回值为副本，修改不会影响注册表
func (r *Registry) Get(room string) map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make(map[string]Conn, len(members))
	for k, v := range members {
		out[k] = v
	}
	return out
}

// Lookup 返回 participant 当前的句柄
func (r *Registry) Lookup(room, participant string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rooms[room][participant]
	return c, ok
}

// Count 房间当前成员数
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Has participant 是否在房间中
func (r *Registry) Has(room, participant string) bool {
	_, ok := r.Lookup(room, participant)
	return ok
}

// Rooms 当前非空房间数
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
