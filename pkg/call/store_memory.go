package call

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存存储，用于测试与单机开发
type MemoryStore struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	byReservation map[string]string
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		byReservation: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byReservation[s.ReservationID]; ok {
		return ErrDuplicate
	}
	m.sessions[s.SessionID] = s.Clone()
	m.byReservation[s.ReservationID] = s.SessionID
	return nil
}

func (m *MemoryStore) FindBySessionID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindByReservationID(_ context.Context, reservationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byReservation[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn Mutator) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	next := cur.Clone()
	if !fn(next) {
		return cur.Clone(), false, nil
	}
	m.sessions[id] = next
	return next.Clone(), true, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Ended() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if !s.TTL.IsZero() && s.TTL.Before(now) {
			delete(m.sessions, id)
			delete(m.byReservation, s.ReservationID)
			n++
		}
	}
	return n, nil
}
