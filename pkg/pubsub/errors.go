package pubsub

import (
	"net/http"

	"github.com/tokmz/callsignal/pkg/errors"
)

// 4000 段错误码：发布订阅
var (
	// ErrInvalidConfig 后端配置不合法
	ErrInvalidConfig = errors.New(4001, http.StatusInternalServerError, "pubsub invalid config")
	// ErrConnection 后端连接失败
	ErrConnection = errors.New(4002, http.StatusServiceUnavailable, "pubsub connection failed")
	// ErrBackend 后端操作失败
	ErrBackend = errors.New(4003, http.StatusServiceUnavailable, "pubsub backend error")
	// ErrClosed 后端已关闭
	ErrClosed = errors.New(4004, http.StatusServiceUnavailable, "pubsub backend closed")
)
