package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error 业务错误
type Error struct {
	Code     int    `json:"code"`    // 错误码
	Message  string `json:"message"` // 错误信息
	HttpCode int    `json:"-"`       // http状态码
	Err      error  `json:"-"`       // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// code 错误码
// httpCode http状态码，<=0 时按 500 处理
// message 错误信息
func New(code, httpCode int, message string) *Error {
	if httpCode <= 0 {
		httpCode = http.StatusInternalServerError
	}
	return &Error{
		Code:     code,
		HttpCode: httpCode,
		Message:  message,
	}
}

// WithError 添加原始错误（返回新实例，不修改原错误）
func (e *Error) WithError(err error) *Error {
	return &Error{
		Code:     e.Code,
		HttpCode: e.HttpCode,
		Message:  e.Message,
		Err:      err,
	}
}

// WithMessage 替换错误信息（返回新实例，不修改原错误）
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Code:     e.Code,
		HttpCode: e.HttpCode,
		Message:  message,
		Err:      e.Err,
	}
}

// WithMessagef 格式化替换错误信息
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Is 当 target 也是 *Error 时比较 Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// Describe 返回 "<httpCode>: <message>" 形式的描述，用于对端可见的错误文本
func (e *Error) Describe() string {
	return fmt.Sprintf("%d: %s", e.HttpCode, e.Message)
}

// IsClientError 是否为调用方错误（4xx）
func (e *Error) IsClientError() bool {
	return e.HttpCode >= 400 && e.HttpCode < 500
}

// From 将任意错误转换为 *Error
// 非 *Error 的错误被包装为 ErrServer，信息中带上原始错误类型
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrServer.WithMessage(fmt.Sprintf("%T: %s", err, err.Error())).WithError(err)
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误是否为指定类型
func Is(err error, target error) bool {
	return errors.Is(err, target)
}
