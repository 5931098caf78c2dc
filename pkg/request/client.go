// Package request 出站 HTTP 客户端：重试退避、拦截器、OpenTelemetry span 与 trace 头传播
package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/callsignal/pkg/logger"
)

const tracerName = "callsignal/request"

// Client HTTP 客户端
type Client struct {
	cfg    *Config
	client *http.Client
	log    logger.Logger
}

// New 创建 HTTP 客户端
func New(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.buildTransport(),
		},
		log: log.With(zap.String("component", "request")),
	}
}

// Get 创建 GET 请求
func (c *Client) Get(url string) *Request {
	return newRequest(c, http.MethodGet, url)
}

// Post 创建 POST 请求
func (c *Client) Post(url string) *Request {
	return newRequest(c, http.MethodPost, url)
}

// execute 执行请求，按配置重试
// 重试用尽时：最后一次有响应则返回该响应，否则返回 ErrMaxRetry
func (c *Client) execute(r *Request) (*Response, error) {
	rc := r.retry
	if rc == nil {
		rc = c.cfg.Retry
	}
	if rc == nil {
		return c.doOnce(r)
	}
	policy := *rc
	policy.normalize()

	var (
		resp    *Response
		err     error
		attempt int
	)
	for ; ; attempt++ {
		resp, err = c.doOnce(r)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if attempt == policy.MaxAttempts || !policy.RetryIf(status, err) || r.ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(policy.backoff(attempt))
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return nil, ErrTimeout.WithError(r.ctx.Err())
		case <-timer.C:
		}
		c.log.DebugContext(r.ctx, "retrying request",
			zap.String("url", r.url), zap.Int("attempt", attempt+1), zap.Int("status", status), zap.Error(err))
	}

	if err != nil && attempt > 0 && attempt == policy.MaxAttempts {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetry, err)
	}
	return resp, err
}

// doOnce 执行单次请求
func (c *Client) doOnce(r *Request) (*Response, error) {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	headers := make(map[string]string, len(c.cfg.Headers)+len(r.headers))
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	for k, v := range r.headers {
		headers[k] = v
	}

	req, err := r.build(ctx, c.cfg.BaseURL, headers)
	if err != nil {
		return nil, err
	}

	for _, i := range c.cfg.Interceptors {
		if err := i.BeforeRequest(req.Context(), req); err != nil {
			return nil, ErrRequestFailed.WithError(err)
		}
	}

	var span trace.Span
	if c.cfg.EnableTracing {
		var spanCtx context.Context
		spanCtx, span = otel.Tracer(tracerName).Start(req.Context(), "HTTP "+req.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.full", req.URL.Redacted()),
			),
		)
		defer span.End()
		req = req.WithContext(spanCtx)
	}

	start := time.Now()
	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, c.fail(req, span, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.fail(req, span, err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Duration:   time.Since(start),
		Request:    req,
	}

	if span != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		}
	}

	for _, i := range c.cfg.Interceptors {
		if err := i.AfterResponse(req.Context(), resp); err != nil {
			return resp, ErrRequestFailed.WithError(err)
		}
	}
	return resp, nil
}

// fail 记录传输错误并按超时/其他分类
func (c *Client) fail(req *http.Request, span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.log.WarnContext(req.Context(), "http request failed",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Error(err),
	)
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || (errors.As(err, &ne) && ne.Timeout()) {
		return ErrTimeout.WithError(err)
	}
	return ErrRequestFailed.WithError(err)
}
