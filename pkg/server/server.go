// Package server HTTP 服务：gin 路由、REST 接口、WebSocket 端点与优雅关机
package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/middleware"
	"github.com/tokmz/callsignal/pkg/auth"
	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/errors"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/pubsub"
	"github.com/tokmz/callsignal/pkg/response"
	"github.com/tokmz/callsignal/pkg/signaling"
	"github.com/tokmz/callsignal/pkg/ws"
)

// Deps 服务依赖
type Deps struct {
	Calls     *call.Service
	Signaling *signaling.Handler
	Bridge    *pubsub.Bridge
	Auth      *auth.Parser
	Logger    logger.Logger
}

// Server HTTP 服务
type Server struct {
	config  *Config
	deps    Deps
	engine  *gin.Engine
	sockets *ws.Manager
	server  *http.Server
	log     logger.Logger
}

// New 创建服务并注册路由
func New(deps Deps, opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewParser("")
	}

	// gin.SetMode 是全局状态，进程内只应创建一个 Server
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		log:    deps.Logger.With(zap.String("component", "server")),
	}

	sockets, err := ws.NewManager(&socketHandler{sig: deps.Signaling, log: s.log},
		append([]ws.Option{ws.WithLogger(deps.Logger)}, cfg.SocketOptions...)...)
	if err != nil {
		return nil, err
	}
	s.sockets = sockets

	engine := gin.New()
	if cfg.TrustedProxies != nil {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			return nil, errors.ErrServer.WithMessage("invalid trusted proxies").WithError(err)
		}
	}
	engine.Use(
		gin.CustomRecovery(s.recover),
		middleware.Tracing("/healthz"),
		middleware.Logger(deps.Logger, &middleware.LoggerConfig{ExcludePaths: []string{"/healthz"}}),
		middleware.CORS(&middleware.CORSConfig{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders: []string{"Traceparent"},
			MaxAge:        middleware.DefaultCORSConfig().MaxAge,
		}),
	)
	s.engine = engine
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET(s.config.WSPath, s.handleSocket)

	api := s.engine.Group("/api/calls",
		middleware.RateLimiter(&middleware.RateLimiterConfig{
			RequestsPerSecond: s.config.RateLimitRPS,
			Burst:             s.config.RateLimitBurst,
			Logger:            s.log,
		}),
		middleware.Timeout(s.config.RequestTimeout),
	)
	if s.config.AuthRequired {
		api.Use(middleware.Auth(s.deps.Auth))
	}
	api.POST("/session", s.createSession)
	api.POST("/:sessionId/end", s.endSession)
	api.GET("/ice-servers", s.iceServers)
	api.GET("/metrics", s.metrics)
}

func (s *Server) recover(c *gin.Context, recovered any) {
	s.log.ErrorContext(c.Request.Context(), "http handler panic",
		zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
	response.Abort(c, errors.ErrServer)
}

// Handler 返回 http.Handler，测试中直接挂到 httptest.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Sockets 返回 WebSocket 管理器
func (s *Server) Sockets() *ws.Manager {
	return s.sockets
}

// Run 启动服务，ctx 取消后优雅关机
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上运行
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("server started", zap.String("addr", ln.Addr().String()), zap.String("ws_path", s.config.WSPath))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error("server forced to shutdown", zap.Error(err))
		return err
	}
	s.log.Info("server exited")
	return nil
}

// Shutdown 先关闭 WebSocket 连接（http.Server.Shutdown 不等待被劫持的连接），再关闭 HTTP 服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.BeforeShutdown != nil {
		s.config.BeforeShutdown()
	}

	errs := []error{s.sockets.Shutdown(ctx)}
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}

	if s.config.AfterShutdown != nil {
		s.config.AfterShutdown()
	}
	return stderrors.Join(errs...)
}
