package errors

import "net/http"

/*
	通用错误码 1000 段
*/

var (
	// ErrServer 服务器错误
	ErrServer = New(1000, http.StatusInternalServerError, "internal server error")
	// ErrBadRequest 请求参数错误
	ErrBadRequest = New(1001, http.StatusBadRequest, "bad request")
	// ErrUnauthorized 未授权
	ErrUnauthorized = New(1002, http.StatusUnauthorized, "unauthorized")
	// ErrForbidden 禁止访问
	ErrForbidden = New(1003, http.StatusForbidden, "forbidden")
	// ErrNotFound 资源不存在
	ErrNotFound = New(1004, http.StatusNotFound, "not found")
	// ErrConflict 资源状态冲突
	ErrConflict = New(1005, http.StatusConflict, "conflict")
	// ErrTooManyRequests 请求过于频繁
	ErrTooManyRequests = New(1006, http.StatusTooManyRequests, "too many requests")
	// ErrUnavailable 依赖服务不可用
	ErrUnavailable = New(1007, http.StatusServiceUnavailable, "service unavailable")
	// ErrRequestTimeout 请求处理超时
	ErrRequestTimeout = New(1008, http.StatusRequestTimeout, "request timeout")
)

/*
	信令错误码 2000 段
	4xx 为调用方错误，关闭码 1003；429 关闭码 1008；5xx 关闭码 1011
*/

var (
	// ErrMissingIdentity 缺少用户身份
	ErrMissingIdentity = New(2001, http.StatusBadRequest, "missing user identity")
	// ErrMissingSession 缺少 sessionId
	ErrMissingSession = New(2002, http.StatusBadRequest, "missing sessionId")
	// ErrMissingReservation 缺少 reservationId 且无法从会话记录推断
	ErrMissingReservation = New(2003, http.StatusBadRequest, "missing reservationId")
	// ErrNotEligible 预约校验未通过
	ErrNotEligible = New(2004, http.StatusForbidden, "not eligible")
	// ErrRoomFull 房间已满
	ErrRoomFull = New(2005, http.StatusConflict, "Room full")
	// ErrUnsupportedType 不支持的消息类型
	ErrUnsupportedType = New(2006, http.StatusBadRequest, "unsupported message type")
	// ErrRateLimited 消息频率超限
	ErrRateLimited = New(2007, http.StatusTooManyRequests, "rate limit exceeded")
	// ErrSessionMismatch 会话与预约不一致
	ErrSessionMismatch = New(2008, http.StatusInternalServerError, "session/reservation mismatch")
	// ErrMalformedEnvelope 无法解析的消息帧
	ErrMalformedEnvelope = New(2009, http.StatusInternalServerError, "malformed envelope")
)
