package server

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/errors"
	"github.com/tokmz/callsignal/pkg/response"
)

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	ReservationID string `json:"reservationId" binding:"required"`
}

// CreateSessionResponse 创建会话响应
type CreateSessionResponse struct {
	SessionID     string `json:"sessionId"`
	ReservationID string `json:"reservationId"`
	TTLSeconds    int64  `json:"ttlSeconds"`
}

// ICEServer WebRTC RTCIceServer
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// MetricsResponse 质量指标与运行状态
type MetricsResponse struct {
	P95Ms         int64   `json:"p95_ms"`
	P99Ms         int64   `json:"p99_ms"`
	SuccessRate   float64 `json:"successRate5m"`
	Samples       int     `json:"samples"`
	LiveCalls     int64   `json:"liveCalls"`
	Connections   int     `json:"connections"`
	PubSubHealthy bool    `json:"pubsubHealthy"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Abort(c, errors.ErrBadRequest.WithMessage("reservationId is required").WithError(err))
		return
	}

	session, err := s.deps.Calls.Create(c.Request.Context(), req.ReservationID)
	if err != nil {
		response.Abort(c, err)
		return
	}
	response.OK(c, CreateSessionResponse{
		SessionID:     session.SessionID,
		ReservationID: session.ReservationID,
		TTLSeconds:    int64(s.config.SessionTTL.Seconds()),
	})
}

// endSession 幂等：已结束的会话同样返回 200
func (s *Server) endSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	if _, err := s.deps.Calls.End(ctx, sessionID); err != nil {
		if stderrors.Is(err, call.ErrNotFound) {
			response.Abort(c, errors.ErrNotFound.WithMessage("call session not found"))
			return
		}
		response.Abort(c, err)
		return
	}
	s.log.InfoContext(ctx, "call ended via api", zap.String("session_id", sessionID))
	response.OK(c, nil)
}

func (s *Server) iceServers(c *gin.Context) {
	response.OK(c, buildICEServers(s.config.ICE))
}

// buildICEServers 每个 STUN 地址一项；TURN 地址、用户名、密码齐全时追加一项
func buildICEServers(ice ICEConfig) []ICEServer {
	clean := func(urls []string) []string {
		return lo.Compact(lo.Map(urls, func(u string, _ int) string { return strings.TrimSpace(u) }))
	}

	servers := lo.Map(clean(ice.STUNURLs), func(u string, _ int) ICEServer {
		return ICEServer{URLs: []string{u}}
	})
	if turn := clean(ice.TURNURLs); len(turn) > 0 && ice.TURNUsername != "" && ice.TURNPassword != "" {
		servers = append(servers, ICEServer{
			URLs:       turn,
			Username:   ice.TURNUsername,
			Credential: ice.TURNPassword,
		})
	}
	return servers
}

func (s *Server) metrics(c *gin.Context) {
	snap := s.deps.Calls.Snapshot()
	resp := MetricsResponse{
		P95Ms:       snap.P95Ms,
		P99Ms:       snap.P99Ms,
		SuccessRate: snap.SuccessRate,
		Samples:     snap.Samples,
		LiveCalls:   s.deps.Calls.LiveCalls(),
		Connections: s.sockets.Count(),
	}
	if s.deps.Bridge != nil {
		resp.PubSubHealthy = s.deps.Bridge.Healthy()
	}
	response.OK(c, resp)
}
