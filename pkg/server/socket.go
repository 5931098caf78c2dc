package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/auth"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/response"
	"github.com/tokmz/callsignal/pkg/signaling"
	"github.com/tokmz/callsignal/pkg/ws"
)

// handleSocket 认证后升级为 WebSocket
// 强制认证时令牌缺失或无效返回 401 且不升级；否则令牌可解析时仍附加身份
func (s *Server) handleSocket(c *gin.Context) {
	ctx := c.Request.Context()
	token := auth.TokenFromRequest(c.Request, s.config.CookieName)

	var opts []ws.ClientOption
	id, err := s.deps.Auth.Parse(token)
	switch {
	case err == nil:
		opts = append(opts, ws.WithIdentity(id.UserID, id.Roles, id.Token))
	case s.config.AuthRequired:
		s.log.InfoContext(ctx, "websocket handshake rejected", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		response.Abort(c, err)
		return
	case token != "":
		s.log.DebugContext(ctx, "ignoring unusable token on anonymous handshake", zap.Error(err))
	}

	if err := s.sockets.HandleUpgrade(c.Writer, c.Request, opts...); err != nil {
		s.log.WarnContext(ctx, "websocket upgrade failed", zap.Error(err))
		c.Abort()
	}
}

// socketHandler 把连接事件转交信令处理器
// 传入的 context 与连接生命周期解耦，连接关闭时仍能完成断开通知与发布
type socketHandler struct {
	sig *signaling.Handler
	log logger.Logger
}

func (h *socketHandler) OnConnect(c *ws.Client) {
	h.log.Debug("websocket connected",
		zap.String("conn_id", c.ID()),
		zap.String("user_id", c.UserID()),
		zap.String("remote_addr", c.RemoteAddr()),
	)
}

func (h *socketHandler) OnMessage(c *ws.Client, data []byte) {
	h.sig.HandleMessage(context.WithoutCancel(c.Context()), c, data)
}

func (h *socketHandler) OnDisconnect(c *ws.Client) {
	h.sig.HandleDisconnect(context.WithoutCancel(c.Context()), c)
	h.log.Debug("websocket disconnected", zap.String("conn_id", c.ID()))
}
