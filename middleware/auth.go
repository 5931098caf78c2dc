package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/tokmz/callsignal/pkg/auth"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/response"
)

const identityKey = "callsignal.identity"

// Auth 校验 Authorization: Bearer 令牌，失败返回 401
// 通过后身份写入 gin.Context，用户 id 写入日志上下文
func Auth(parser *auth.Parser) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parser.Parse(c.GetHeader("Authorization"))
		if err != nil {
			response.Abort(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), id.UserID))
		c.Next()
	}
}

// IdentityFrom 读取 Auth 写入的身份
func IdentityFrom(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*auth.Identity)
	return id, ok
}
