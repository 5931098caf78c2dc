package request

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

// Interceptor 拦截器
type Interceptor interface {
	// BeforeRequest 请求发送前调用，返回错误时放弃本次请求
	BeforeRequest(ctx context.Context, req *http.Request) error
	// AfterResponse 读完响应体后调用
	AfterResponse(ctx context.Context, resp *Response) error
}

// TraceIDHeader 透传给上游的关联 ID 请求头
const TraceIDHeader = "X-Trace-Id"

// traceIDInterceptor 把日志上下文中的 trace_id 带给上游服务
type traceIDInterceptor struct{}

// NewTraceIDInterceptor 创建关联 ID 拦截器
func NewTraceIDInterceptor() Interceptor {
	return traceIDInterceptor{}
}

func (traceIDInterceptor) BeforeRequest(ctx context.Context, req *http.Request) error {
	if id := logger.TraceIDFromContext(ctx); id != "" && req.Header.Get(TraceIDHeader) == "" {
		req.Header.Set(TraceIDHeader, id)
	}
	return nil
}

func (traceIDInterceptor) AfterResponse(context.Context, *Response) error { return nil }

// loggingInterceptor 调试级别的请求/响应日志
type loggingInterceptor struct {
	log logger.Logger
}

// NewLoggingInterceptor 创建日志拦截器
func NewLoggingInterceptor(log logger.Logger) Interceptor {
	return &loggingInterceptor{log: log}
}

func (l *loggingInterceptor) BeforeRequest(ctx context.Context, req *http.Request) error {
	l.log.DebugContext(ctx, "http request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
	)
	return nil
}

func (l *loggingInterceptor) AfterResponse(ctx context.Context, resp *Response) error {
	l.log.DebugContext(ctx, "http response",
		zap.String("method", resp.Request.Method),
		zap.String("url", resp.Request.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
	)
	return nil
}
