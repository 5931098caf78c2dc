// Package signaling 两人通话的信令状态机
package signaling

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tokmz/callsignal/pkg/errors"
)

// Type 信令类型
type Type string

const (
	TypeJoin         Type = "JOIN"
	TypeOffer        Type = "OFFER"
	TypeAnswer       Type = "ANSWER"
	TypeICECandidate Type = "ICE_CANDIDATE"
	TypeRTCConnected Type = "RTC_CONNECTED"
	TypeHeartbeat    Type = "HEARTBEAT"
	TypeLeave        Type = "LEAVE"
	TypeEnd          Type = "END"
	TypeError        Type = "ERROR"
	TypePeerJoined   Type = "PEER_JOINED"
	TypePeerLeft     Type = "PEER_LEFT"
	TypeJoinAck      Type = "JOIN_ACK"
)

// ServerID 服务端发出的信令的 from
const ServerID = "server"

// Envelope 信令消息，既是 WebSocket 帧也是 pub/sub 载荷
type Envelope struct {
	Type          Type            `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`
	ReservationID string          `json:"reservationId,omitempty"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Ts            int64           `json:"ts"`
	TraceID       string          `json:"traceId,omitempty"`
}

// JoinAckPayload JOIN_ACK 载荷
type JoinAckPayload struct {
	Initiator bool `json:"initiator"`
}

// ErrorPayload ERROR 载荷
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode 解析入站帧，缺少 traceId 时生成 UUIDv7
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.ErrMalformedEnvelope.WithError(err)
	}
	if env.TraceID == "" {
		env.TraceID = NewTraceID()
	}
	return &env, nil
}

// Encode 序列化信令
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// NewTraceID 生成时间有序的追踪 ID
func NewTraceID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// WithPayload 设置载荷
func (e *Envelope) WithPayload(v any) *Envelope {
	raw, err := json.Marshal(v)
	if err == nil {
		e.Payload = raw
	}
	return e
}

// routing 扇出时只需要的字段
type routing struct {
	From string `json:"from"`
}

func senderOf(payload []byte) string {
	var r routing
	_ = json.Unmarshal(payload, &r)
	return r.From
}
