// Package call 通话会话：数据模型、存储、生命周期服务与过期清理
package call

import "time"

// Status 会话状态
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusConnecting Status = "CONNECTING"
	StatusConnected  Status = "CONNECTED"
	StatusEnded      Status = "ENDED"
	StatusExpired    Status = "EXPIRED"
)

// Role 参与者角色
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTutor   Role = "TUTOR"
)

// Participant 会话参与者
type Participant struct {
	UserID   string `json:"userId"`
	Role     Role   `json:"role"`
	JoinedAt int64  `json:"joinedAt"`
	LeftAt   int64  `json:"leftAt,omitempty"`
}

// Metrics 会话指标（毫秒）
type Metrics struct {
	SetupMs         int64 `json:"setupMs"`
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// Session 通话会话
// 时间字段均为毫秒时间戳，0 表示未设置
type Session struct {
	SessionID     string        `gorm:"primaryKey;size:64" json:"sessionId"`
	ReservationID string        `gorm:"size:128;uniqueIndex" json:"reservationId"`
	Status        Status        `gorm:"size:16;index" json:"status"`
	CreatedAt     int64         `gorm:"autoCreateTime:milli;index" json:"createdAt"`
	ConnectedAt   int64         `json:"connectedAt,omitempty"`
	EndedAt       int64         `json:"endedAt,omitempty"`
	TurnUsed      bool          `json:"turnUsed"`
	Participants  []Participant `gorm:"serializer:json;type:text" json:"participants"`
	Metrics       Metrics       `gorm:"embedded;embeddedPrefix:metrics_" json:"metrics"`
	TTL           time.Time     `gorm:"index" json:"ttl"`
}

// TableName 表名
func (Session) TableName() string {
	return "call_sessions"
}

// Ended 是否已结束
func (s *Session) Ended() bool {
	return s.Status == StatusEnded
}

// Connected 是否曾经建立过连接
func (s *Session) Connected() bool {
	return s.ConnectedAt != 0
}

// Age 自创建起经过的时间
func (s *Session) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.CreatedAt) * time.Millisecond
}

// Participant 查找参与者
func (s *Session) Participant(userID string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// Clone 深拷贝，存储层返回副本避免调用方共享内部状态
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	return &c
}
