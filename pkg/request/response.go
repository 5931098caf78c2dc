package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"
)

// Response HTTP 响应
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Request    *http.Request
}

// IsSuccess 是否为 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError 是否为 4xx/5xx
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// Unmarshal JSON 反序列化
func (r *Response) Unmarshal(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return ErrUnmarshal.WithError(err)
	}
	return nil
}

// String 返回 Body 字符串
func (r *Response) String() string {
	return string(r.Body)
}

// Snippet 返回最多 n 个字符的 Body，用于错误信息
func (r *Response) Snippet(n int) string {
	if utf8.RuneCount(r.Body) <= n {
		return string(r.Body)
	}
	runes := []rune(string(r.Body))
	return string(runes[:n])
}

// errorBodyLen 错误信息中保留的响应体长度
const errorBodyLen = 200

// StatusError 非 2xx 响应转换成的错误
func (r *Response) StatusError() error {
	return ErrRequestFailed.WithMessage(fmt.Sprintf("HTTP %d: %s", r.StatusCode, r.Snippet(errorBodyLen)))
}

// Do 发送请求并将 2xx 响应反序列化为 *T，非 2xx 返回 StatusError
func Do[T any](req *Request) (*T, error) {
	resp, err := req.Do()
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.StatusError()
	}
	var result T
	if err := resp.Unmarshal(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
