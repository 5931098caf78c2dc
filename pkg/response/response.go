// Package response REST 错误响应结构
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/callsignal/pkg/errors"
	"github.com/tokmz/callsignal/pkg/logger"
)

// Response 错误响应
type Response struct {
	Code    int    `json:"code"`               // 业务错误码
	Message string `json:"message"`            // 错误描述
	TraceID string `json:"trace_id,omitempty"` // 追踪ID
}

// Fail 创建失败响应
func Fail(e *errors.Error) *Response {
	return &Response{Code: e.Code, Message: e.Message}
}

// WithTraceID 设置追踪ID
func (r *Response) WithTraceID(traceID string) *Response {
	r.TraceID = traceID
	return r
}

// Abort 以错误对应的 HTTP 状态码终止请求
// 非 *errors.Error 的错误按 500 处理
func Abort(c *gin.Context, err error) {
	e := errors.From(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(e.HttpCode, Fail(e).WithTraceID(logger.TraceIDFromContext(c.Request.Context())))
}

// OK 返回 200 与原始数据
func OK(c *gin.Context, data any) {
	if data == nil {
		data = gin.H{}
	}
	c.JSON(http.StatusOK, data)
}
