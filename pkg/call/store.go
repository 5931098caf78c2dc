package call

import (
	"context"
	"net/http"
	"time"

	"github.com/tokmz/callsignal/pkg/errors"
)

// 5000 段错误码：通话会话
var (
	// ErrNotFound 会话不存在
	ErrNotFound = errors.New(5001, http.StatusNotFound, "call session not found")
	// ErrDuplicate 预约已存在会话
	ErrDuplicate = errors.New(5002, http.StatusConflict, "call session already exists for reservation")
	// ErrStore 存储操作失败
	ErrStore = errors.New(5003, http.StatusInternalServerError, "call session store failed")
	// ErrInvalidReservation 预约 ID 为空
	ErrInvalidReservation = errors.New(5004, http.StatusBadRequest, "reservationId is required")
)

// Mutator 在存储锁内修改会话，返回 false 表示未修改、不需要保存
type Mutator func(s *Session) bool

// Store 会话存储
type Store interface {
	// Create 插入新会话，预约已存在时返回 ErrDuplicate
	Create(ctx context.Context, s *Session) error
	// FindBySessionID 按会话 ID 查询，不存在时返回 ErrNotFound
	FindBySessionID(ctx context.Context, id string) (*Session, error)
	// FindByReservationID 按预约 ID 查询，不存在时返回 ErrNotFound
	FindByReservationID(ctx context.Context, reservationID string) (*Session, error)
	// Update 原子地读取-修改-保存，返回修改后的会话及是否发生修改
	Update(ctx context.Context, id string, fn Mutator) (*Session, bool, error)
	// ListActive 列出所有未结束的会话
	ListActive(ctx context.Context) ([]*Session, error)
	// PurgeExpired 删除 TTL 早于 now 的会话，返回删除条数
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
