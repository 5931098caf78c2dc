package middleware

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/callsignal/pkg/errors"
	"github.com/tokmz/callsignal/pkg/response"
)

// Timeout 为请求 context 设置截止时间
// handler 通过 ctx.Done() 感知超时；handler 返回时若已超时且尚未写响应则返回 408
func Timeout(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			response.Abort(c, errors.ErrRequestTimeout)
		}
	}
}
