package request

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request 链式请求构建器
type Request struct {
	client  *Client
	ctx     context.Context
	method  string
	url     string
	headers map[string]string
	query   url.Values
	body    []byte // 缓存的请求体，重试时重放
	timeout time.Duration
	retry   *RetryConfig
	err     error // SetBody 等步骤的延迟错误
}

func newRequest(c *Client, method, rawURL string) *Request {
	return &Request{
		client:  c,
		ctx:     context.Background(),
		method:  method,
		url:     rawURL,
		headers: make(map[string]string),
		query:   make(url.Values),
	}
}

// SetContext 设置请求上下文
func (r *Request) SetContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

// SetHeader 设置请求头
func (r *Request) SetHeader(k, v string) *Request {
	r.headers[k] = v
	return r
}

// SetQuery 设置查询参数
func (r *Request) SetQuery(k, v string) *Request {
	r.query.Set(k, v)
	return r
}

// SetPathParam 把 URL 中的 {name} 替换为转义后的 value
func (r *Request) SetPathParam(name, value string) *Request {
	r.url = strings.ReplaceAll(r.url, "{"+name+"}", url.PathEscape(value))
	return r
}

// SetBody 设置 JSON 请求体
func (r *Request) SetBody(body any) *Request {
	data, err := json.Marshal(body)
	if err != nil {
		r.err = ErrMarshal.WithError(err)
		return r
	}
	r.body = data
	if _, ok := r.headers["Content-Type"]; !ok {
		r.headers["Content-Type"] = "application/json"
	}
	return r
}

// SetBearerToken 设置 Bearer Token，空 token 不设置
func (r *Request) SetBearerToken(token string) *Request {
	if token != "" {
		r.headers["Authorization"] = "Bearer " + token
	}
	return r
}

// SetTimeout 覆盖客户端超时
func (r *Request) SetTimeout(d time.Duration) *Request {
	r.timeout = d
	return r
}

// SetRetry 覆盖客户端重试配置
func (r *Request) SetRetry(cfg *RetryConfig) *Request {
	r.retry = cfg
	return r
}

// Do 执行请求
func (r *Request) Do() (*Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.client.execute(r)
}

// buildURL 拼接 BaseURL 与查询参数
func (r *Request) buildURL(baseURL string) (string, error) {
	raw := r.url
	if baseURL != "" && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidURL.WithError(err)
	}
	if len(r.query) > 0 {
		q := u.Query()
		for k, vs := range r.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// build 每次尝试生成新的 http.Request
func (r *Request) build(ctx context.Context, baseURL string, headers map[string]string) (*http.Request, error) {
	fullURL, err := r.buildURL(baseURL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, fullURL, body)
	if err != nil {
		return nil, ErrInvalidURL.WithError(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
