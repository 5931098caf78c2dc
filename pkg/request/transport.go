package request

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// buildTransport 根据配置构建 RoundTripper
func (c *Config) buildTransport() http.RoundTripper {
	var rt http.RoundTripper = c.Transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = c.MaxIdleConnsPerHost
		t.IdleConnTimeout = c.IdleConnTimeout
		rt = t
	}
	if c.EnableTracing {
		rt = &propagatingTransport{base: rt}
	}
	return rt
}

// propagatingTransport 把当前 span 的 trace 上下文注入请求头
type propagatingTransport struct {
	base http.RoundTripper
}

func (t *propagatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	return t.base.RoundTrip(req)
}
