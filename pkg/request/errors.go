package request

import (
	"net/http"

	"github.com/tokmz/callsignal/pkg/errors"
)

// 6000 段错误码：出站 HTTP
var (
	// ErrRequestFailed 请求失败
	ErrRequestFailed = errors.New(6001, http.StatusBadGateway, "upstream request failed")
	// ErrTimeout 请求超时或被取消
	ErrTimeout = errors.New(6002, http.StatusGatewayTimeout, "upstream request timeout")
	// ErrMarshal 请求体序列化失败
	ErrMarshal = errors.New(6003, http.StatusInternalServerError, "request marshal failed")
	// ErrUnmarshal 响应体反序列化失败
	ErrUnmarshal = errors.New(6004, http.StatusBadGateway, "response unmarshal failed")
	// ErrMaxRetry 重试次数已用尽
	ErrMaxRetry = errors.New(6005, http.StatusBadGateway, "upstream retries exhausted")
	// ErrInvalidURL 无效的 URL
	ErrInvalidURL = errors.New(6006, http.StatusInternalServerError, "invalid url")
)
