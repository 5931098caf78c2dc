package call

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/quality"
)

// ttlGrace 存储层 TTL 在最大通话时长之外额外保留的时间
const ttlGrace = 10 * time.Minute

// Service 通话会话生命周期
// 所有修改经 Store.Update 原子完成，重复的 End/MarkConnected 是无副作用的空操作
type Service struct {
	store       Store
	quality     *quality.Engine
	log         logger.Logger
	maxDuration time.Duration
	now         func() time.Time

	live atomic.Int64
}

// ServiceOption 服务选项
type ServiceOption func(*Service)

// WithClock 替换时钟
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger 设置日志
func WithLogger(log logger.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService 创建生命周期服务，engine 为 nil 时使用默认窗口的质量统计
func NewService(store Store, engine *quality.Engine, maxDuration time.Duration, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = quality.New()
	}
	s := &Service{
		store:       store,
		quality:     engine,
		log:         logger.Nop(),
		maxDuration: maxDuration,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "call"))
	return s
}

// MaxDuration 最大通话时长
func (s *Service) MaxDuration() time.Duration {
	return s.maxDuration
}

// Create 为预约创建会话；同一预约已有会话时直接返回已有会话
func (s *Service) Create(ctx context.Context, reservationID string) (*Session, error) {
	if reservationID == "" {
		return nil, ErrInvalidReservation
	}

	existing, err := s.store.FindByReservationID(ctx, reservationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := s.now()
	session := &Session{
		SessionID:     id.String(),
		ReservationID: reservationID,
		Status:        StatusCreated,
		CreatedAt:     now.UnixMilli(),
		TTL:           now.Add(s.maxDuration + ttlGrace),
	}

	if err := s.store.Create(ctx, session); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// 并发创建，返回先写入的那条
			return s.store.FindByReservationID(ctx, reservationID)
		}
		return nil, err
	}

	s.live.Add(1)
	s.log.InfoContext(ctx, "call session created",
		zap.String("session_id", session.SessionID),
		zap.String("reservation_id", reservationID),
	)
	return session, nil
}

// FindBySessionID 查询会话
func (s *Service) FindBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	return s.store.FindBySessionID(ctx, sessionID)
}

// MarkConnected 首次调用记录连接时间与建立耗时，并计入质量统计
func (s *Service) MarkConnected(ctx context.Context, sessionID string) (*Session, error) {
	now := s.now().UnixMilli()
	session, changed, err := s.store.Update(ctx, sessionID, func(cs *Session) bool {
		if cs.Ended() || cs.Connected() {
			return false
		}
		cs.ConnectedAt = now
		cs.Status = StatusConnected
		cs.Metrics.SetupMs = max(0, now-cs.CreatedAt)
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.quality.RecordSuccess(session.Metrics.SetupMs)
		s.log.InfoContext(ctx, "call connected",
			zap.String("session_id", sessionID),
			zap.Int64("setup_ms", session.Metrics.SetupMs),
		)
	}
	return session, nil
}

// MarkFailedSetup 记录一次建立失败
func (s *Service) MarkFailedSetup(ctx context.Context, sessionID string) {
	s.quality.RecordFailure()
	s.log.InfoContext(ctx, "call setup failed", zap.String("session_id", sessionID))
}

// End 结束会话，返回本次调用是否真正结束了会话
// 已结束的会话返回 false，活跃通话计数只递减一次
func (s *Service) End(ctx context.Context, sessionID string) (bool, error) {
	now := s.now().UnixMilli()
	session, changed, err := s.store.Update(ctx, sessionID, func(cs *Session) bool {
		if cs.Ended() {
			return false
		}
		cs.Status = StatusEnded
		cs.EndedAt = now
		if cs.Connected() {
			cs.Metrics.TotalDurationMs = max(0, now-cs.ConnectedAt)
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.decrementLive()
		s.log.InfoContext(ctx, "call ended",
			zap.String("session_id", sessionID),
			zap.Int64("duration_ms", session.Metrics.TotalDurationMs),
		)
	}
	return changed, nil
}

// decrementLive 计数不低于 0（进程重启前创建的会话也可能在此结束）
func (s *Service) decrementLive() {
	for {
		cur := s.live.Load()
		if cur <= 0 || s.live.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// MarkTurnUsed 标记会话使用了 TURN 中继
func (s *Service) MarkTurnUsed(ctx context.Context, sessionID string) error {
	_, changed, err := s.store.Update(ctx, sessionID, func(cs *Session) bool {
		if cs.TurnUsed {
			return false
		}
		cs.TurnUsed = true
		return true
	})
	if err == nil && changed {
		s.log.DebugContext(ctx, "turn relay observed", zap.String("session_id", sessionID))
	}
	return err
}

// AddParticipant 记录参与者加入；已存在的参与者重新加入时清除离开时间
// 第二位参与者加入且尚未连接时状态进入 CONNECTING
func (s *Service) AddParticipant(ctx context.Context, sessionID, userID string, role Role) error {
	now := s.now().UnixMilli()
	_, _, err := s.store.Update(ctx, sessionID, func(cs *Session) bool {
		if cs.Ended() {
			return false
		}
		if p, ok := cs.Participant(userID); ok {
			p.LeftAt = 0
			p.JoinedAt = now
			if role != "" {
				p.Role = role
			}
		} else {
			cs.Participants = append(cs.Participants, Participant{UserID: userID, Role: role, JoinedAt: now})
		}
		if cs.Status == StatusCreated && len(cs.Participants) >= 2 {
			cs.Status = StatusConnecting
		}
		return true
	})
	return err
}

// MarkParticipantLeft 记录参与者离开
func (s *Service) MarkParticipantLeft(ctx context.Context, sessionID, userID string) error {
	now := s.now().UnixMilli()
	_, _, err := s.store.Update(ctx, sessionID, func(cs *Session) bool {
		p, ok := cs.Participant(userID)
		if !ok || p.LeftAt != 0 {
			return false
		}
		p.LeftAt = now
		return true
	})
	return err
}

// Snapshot 质量统计快照
func (s *Service) Snapshot() quality.Snapshot {
	return s.quality.Snapshot()
}

// LiveCalls 当前进程创建且尚未结束的通话数
func (s *Service) LiveCalls() int64 {
	return s.live.Load()
}
