package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/callsignal/pkg/logger"
)

// HTTPTracerName HTTP 服务端 tracer 名称
const HTTPTracerName = "callsignal/http"

// Tracing 链路追踪中间件
// 提取上游 TraceContext，创建 Server Span，并把 trace id 写入日志上下文
func Tracing(excludePaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(excludePaths))
	for _, p := range excludePaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		// 每次请求获取，Provider 晚于路由注册初始化时也能生效
		tracer := otel.Tracer(HTTPTracerName)
		propagator := otel.GetTextMapPropagator()

		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.URLPath(c.Request.URL.Path),
			semconv.ServerAddress(c.Request.Host),
			semconv.UserAgentOriginal(c.Request.UserAgent()),
			attribute.String("http.client_ip", c.ClientIP()),
		}
		if c.FullPath() != "" {
			attrs = append(attrs, semconv.HTTPRoute(c.FullPath()))
		}
		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last().Err)
		}
	}
}
