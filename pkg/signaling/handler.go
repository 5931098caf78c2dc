package signaling

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/eligibility"
	"github.com/tokmz/callsignal/pkg/errors"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/pubsub"
	"github.com/tokmz/callsignal/pkg/ratelimit"
	"github.com/tokmz/callsignal/pkg/registry"
	"github.com/tokmz/callsignal/pkg/tracing"
)

// RoomCapacity 每个房间最多两人
const RoomCapacity = 2

// WebSocket 关闭码
const (
	CloseNormal        = 1000
	CloseNotAcceptable = 1003
	ClosePolicy        = 1008
	CloseServerError   = 1011
)

// Conn 信令连接
type Conn interface {
	ID() string
	UserID() string // 握手认证得到的用户，未认证时为空
	Token() string
	Send(data []byte) error
	Close(code int, reason string)
	IsClosed() bool
}

// Lifecycle 通话会话生命周期
type Lifecycle interface {
	Create(ctx context.Context, reservationID string) (*call.Session, error)
	FindBySessionID(ctx context.Context, sessionID string) (*call.Session, error)
	MarkConnected(ctx context.Context, sessionID string) (*call.Session, error)
	End(ctx context.Context, sessionID string) (bool, error)
	MarkTurnUsed(ctx context.Context, sessionID string) error
	AddParticipant(ctx context.Context, sessionID, userID string, role call.Role) error
	MarkParticipantLeft(ctx context.Context, sessionID, userID string) error
}

// Config 处理器配置
type Config struct {
	RateLimit int // 每连接每秒消息数
	Logger    logger.Logger
	Clock     func() time.Time
}

// member 已完成 JOIN 的连接
type member struct {
	room string
	user string
}

// Handler 信令处理器
// 同一连接的消息由调用方串行投递，不同连接并行处理
type Handler struct {
	registry *registry.Registry
	bridge   *pubsub.Bridge
	calls    Lifecycle
	checker  eligibility.Checker
	limiter  *ratelimit.Keyed
	log      logger.Logger
	now      func() time.Time

	members    sync.Map // conn id -> member
	subscribed sync.Map // room -> *sync.Once
}

// NewHandler 创建信令处理器
func NewHandler(reg *registry.Registry, bridge *pubsub.Bridge, calls Lifecycle, checker eligibility.Checker, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if checker == nil {
		checker = eligibility.AllowAll{}
	}
	return &Handler{
		registry: reg,
		bridge:   bridge,
		calls:    calls,
		checker:  checker,
		limiter:  ratelimit.NewKeyed(cfg.RateLimit, ratelimit.WithClock(cfg.Clock)),
		log:      cfg.Logger.With(zap.String("component", "signaling")),
		now:      cfg.Clock,
	}
}

// HandleMessage 处理一个入站帧
func (h *Handler) HandleMessage(ctx context.Context, conn Conn, data []byte) {
	if !h.limiter.Allow(conn.ID()) {
		h.reject(ctx, conn, "", errors.ErrRateLimited)
		return
	}

	env, err := Decode(data)
	if err != nil {
		h.log.WarnContext(ctx, "malformed envelope", zap.String("conn_id", conn.ID()), zap.Error(err))
		h.reject(ctx, conn, "", errors.ErrMalformedEnvelope.WithMessage("malformed envelope: "+stderrors.Unwrap(err).Error()))
		return
	}

	ctx = logger.WithTraceID(ctx, env.TraceID)
	if env.SessionID != "" {
		ctx = logger.WithSessionID(ctx, env.SessionID)
	}
	if uid := h.identity(conn, env); uid != "" {
		ctx = logger.WithUserID(ctx, uid)
	}

	ctx, span := tracing.StartSpan(ctx, "signaling."+string(env.Type), trace.WithAttributes(
		attribute.String("signaling.session_id", env.SessionID),
		attribute.String("signaling.user_id", h.identity(conn, env)),
		attribute.String("signaling.trace_id", env.TraceID),
		attribute.String("signaling.conn_id", conn.ID()),
	))
	defer span.End()

	if err := h.dispatch(ctx, conn, env); err != nil {
		tracing.RecordError(span, err)
		h.reject(ctx, conn, env.TraceID, err)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn Conn, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.ErrorContext(ctx, "signaling panic", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.ErrServer.WithMessagef("panic: %v", r)
		}
	}()

	switch env.Type {
	case TypeJoin:
		return h.onJoin(ctx, conn, env)
	case TypeOffer, TypeAnswer:
		return h.relay(ctx, conn, env)
	case TypeICECandidate:
		return h.onCandidate(ctx, conn, env)
	case TypeRTCConnected:
		return h.onConnected(ctx, conn, env)
	case TypeHeartbeat:
		return nil
	case TypeLeave, TypeEnd:
		return h.onEnd(ctx, conn, env)
	default:
		return errors.ErrUnsupportedType.WithMessagef("unsupported message type %s", env.Type)
	}
}

// identity 握手身份优先，未认证时退回到 from
func (h *Handler) identity(conn Conn, env *Envelope) string {
	if uid := conn.UserID(); uid != "" {
		return uid
	}
	return env.From
}

func (h *Handler) onJoin(ctx context.Context, conn Conn, env *Envelope) error {
	userID := h.identity(conn, env)
	if userID == "" {
		return errors.ErrMissingIdentity
	}
	if env.SessionID == "" {
		return errors.ErrMissingSession
	}

	existing, err := h.calls.FindBySessionID(ctx, env.SessionID)
	if err != nil {
		if !stderrors.Is(err, call.ErrNotFound) {
			return err
		}
		existing = nil
	}

	reservationID := env.ReservationID
	if reservationID == "" && existing != nil {
		reservationID = existing.ReservationID
	}
	if reservationID == "" {
		return errors.ErrMissingReservation
	}

	res := h.checker.CheckReservation(ctx, reservationID, userID, conn.Token())
	if !res.Eligible {
		return errors.ErrNotEligible.WithMessage(res.Reason)
	}

	session := existing
	if session == nil {
		if session, err = h.calls.Create(ctx, reservationID); err != nil {
			return err
		}
	} else if session.ReservationID != reservationID {
		h.log.ErrorContext(ctx, "session/reservation mismatch",
			zap.String("session_id", session.SessionID),
			zap.String("stored_reservation_id", session.ReservationID),
			zap.String("reservation_id", reservationID),
		)
		return errors.ErrSessionMismatch
	}
	room := session.SessionID

	// 同一连接改加入其他房间时先离开原房间
	if prev, ok := h.members.Load(conn.ID()); ok && prev.(member).room != room {
		h.leave(ctx, conn, prev.(member))
	}

	joined, ok := h.registry.Join(room, userID, conn, RoomCapacity)
	if !ok {
		return errors.ErrRoomFull
	}
	h.members.Store(conn.ID(), member{room: room, user: userID})

	if stale, ok := joined.Previous.(Conn); ok && stale != conn {
		h.log.InfoContext(ctx, "participant reconnected, closing stale connection",
			zap.String("session_id", room), zap.String("stale_conn_id", stale.ID()))
		stale.Close(CloseNormal, "replaced by a newer connection")
	}

	if err := h.calls.AddParticipant(ctx, room, userID, res.Role); err != nil {
		h.log.WarnContext(ctx, "record participant failed", zap.String("session_id", room), zap.Error(err))
	}

	h.subscribeRoom(ctx, room)

	ack := (&Envelope{
		Type:          TypeJoinAck,
		SessionID:     room,
		ReservationID: reservationID,
		From:          ServerID,
		To:            userID,
		Ts:            h.now().UnixMilli(),
		TraceID:       env.TraceID,
	}).WithPayload(JoinAckPayload{Initiator: joined.Initiator})
	if err := h.send(conn, ack); err != nil {
		h.log.WarnContext(ctx, "send JOIN_ACK failed", zap.Error(err))
	}

	h.publish(ctx, room, &Envelope{
		Type:          TypePeerJoined,
		SessionID:     room,
		ReservationID: reservationID,
		From:          userID,
		Ts:            h.now().UnixMilli(),
		TraceID:       env.TraceID,
	})

	h.log.InfoContext(ctx, "participant joined",
		zap.String("session_id", room),
		zap.Bool("initiator", joined.Initiator),
		zap.Int("members", joined.Size),
	)
	return nil
}

// subscribeRoom 每个房间在本进程只注册一次扇出回调，并发的加入者等待注册完成后返回
func (h *Handler) subscribeRoom(ctx context.Context, room string) {
	v, _ := h.subscribed.LoadOrStore(room, new(sync.Once))
	v.(*sync.Once).Do(func() {
		h.bridge.Subscribe(ctx, pubsub.Channel(room), func(payload []byte) error {
			return h.fanout(room, payload)
		})
	})
}

// fanout 投递给房间内除发送者外的本地成员，单个成员失败不影响其他成员
func (h *Handler) fanout(room string, payload []byte) error {
	sender := senderOf(payload)
	var errs []error
	for participant, c := range h.registry.Get(room) {
		if participant == sender || c.IsClosed() {
			continue
		}
		if err := c.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// target 信令的目标房间：消息自带 sessionId，否则为连接已加入的房间
func (h *Handler) target(conn Conn, env *Envelope) (string, error) {
	if env.SessionID != "" {
		return env.SessionID, nil
	}
	if m, ok := h.members.Load(conn.ID()); ok {
		return m.(member).room, nil
	}
	return "", errors.ErrMissingSession
}

// relay 以发送者身份原样转发
func (h *Handler) relay(ctx context.Context, conn Conn, env *Envelope) error {
	room, err := h.target(conn, env)
	if err != nil {
		return err
	}
	env.SessionID = room
	if m, ok := h.members.Load(conn.ID()); ok {
		env.From = m.(member).user
	} else if uid := conn.UserID(); uid != "" {
		env.From = uid
	}
	if env.Ts == 0 {
		env.Ts = h.now().UnixMilli()
	}
	h.publish(ctx, room, env)
	return nil
}

func (h *Handler) onCandidate(ctx context.Context, conn Conn, env *Envelope) error {
	if err := h.relay(ctx, conn, env); err != nil {
		return err
	}
	if IsRelayCandidate(env.Payload) {
		if err := h.calls.MarkTurnUsed(ctx, env.SessionID); err != nil {
			h.logLifecycle(ctx, "mark turn used", env.SessionID, err)
		}
	}
	return nil
}

func (h *Handler) onConnected(ctx context.Context, conn Conn, env *Envelope) error {
	room, err := h.target(conn, env)
	if err != nil {
		return err
	}
	if _, err := h.calls.MarkConnected(ctx, room); err != nil {
		h.logLifecycle(ctx, "mark connected", room, err)
	}
	return h.relay(ctx, conn, env)
}

func (h *Handler) onEnd(ctx context.Context, conn Conn, env *Envelope) error {
	room, err := h.target(conn, env)
	if err != nil {
		return err
	}
	if _, err := h.calls.End(ctx, room); err != nil {
		h.logLifecycle(ctx, "end", room, err)
	}
	if env.Type == TypeLeave {
		if m, ok := h.members.Load(conn.ID()); ok {
			if err := h.calls.MarkParticipantLeft(ctx, room, m.(member).user); err != nil {
				h.logLifecycle(ctx, "mark participant left", room, err)
			}
		}
	}
	return h.relay(ctx, conn, env)
}

// logLifecycle 中继路径上的持久化失败只记录，不影响转发
func (h *Handler) logLifecycle(ctx context.Context, op, room string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.String("session_id", room), zap.Error(err)}
	if stderrors.Is(err, call.ErrNotFound) {
		h.log.WarnContext(ctx, "call session not found", fields...)
		return
	}
	h.log.ErrorContext(ctx, "call lifecycle update failed", fields...)
}

// HandleDisconnect 连接断开：注销并通知对端
// 未完成 JOIN 的连接不产生任何发布；被新连接替换的旧连接也不通知
func (h *Handler) HandleDisconnect(ctx context.Context, conn Conn) {
	h.limiter.Forget(conn.ID())

	v, ok := h.members.LoadAndDelete(conn.ID())
	if !ok {
		return
	}
	h.leave(ctx, conn, v.(member))
}

func (h *Handler) leave(ctx context.Context, conn Conn, m member) {
	if !h.registry.Remove(m.room, m.user, conn) {
		return
	}
	if err := h.calls.MarkParticipantLeft(ctx, m.room, m.user); err != nil {
		h.logLifecycle(ctx, "mark participant left", m.room, err)
	}
	h.publish(ctx, m.room, &Envelope{
		Type:      TypePeerLeft,
		SessionID: m.room,
		From:      m.user,
		Ts:        h.now().UnixMilli(),
		TraceID:   NewTraceID(),
	})
	h.log.InfoContext(ctx, "participant left", zap.String("session_id", m.room), zap.String("user_id", m.user))
}

func (h *Handler) publish(ctx context.Context, room string, env *Envelope) {
	data, err := Encode(env)
	if err != nil {
		h.log.ErrorContext(ctx, "encode envelope failed", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	h.bridge.Publish(ctx, pubsub.Channel(room), data)
}

func (h *Handler) send(conn Conn, env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// reject 回复 ERROR，再按错误类别关闭连接；不支持的类型保持连接
func (h *Handler) reject(ctx context.Context, conn Conn, traceID string, err error) {
	e := errors.From(err)
	if traceID == "" {
		traceID = NewTraceID()
	}

	code := CloseCode(e)
	if e.IsClientError() {
		h.log.InfoContext(ctx, "signaling rejected", zap.String("conn_id", conn.ID()), zap.String("reason", e.Describe()))
	} else {
		h.log.ErrorContext(ctx, "signaling failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}

	if conn.IsClosed() {
		return
	}
	errEnv := (&Envelope{
		Type:    TypeError,
		From:    ServerID,
		Ts:      h.now().UnixMilli(),
		TraceID: traceID,
	}).WithPayload(ErrorPayload{Message: e.Describe()})
	if sendErr := h.send(conn, errEnv); sendErr != nil {
		h.log.DebugContext(ctx, "send ERROR failed", zap.Error(sendErr))
	}
	if code != 0 {
		conn.Close(code, e.Message)
	}
}

// CloseCode 错误对应的关闭码，0 表示保持连接
func CloseCode(e *errors.Error) int {
	switch {
	case e.Is(errors.ErrUnsupportedType):
		return 0
	case e.HttpCode == 429:
		return ClosePolicy
	case e.IsClientError():
		return CloseNotAcceptable
	default:
		return CloseServerError
	}
}
