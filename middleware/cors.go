package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// CORSConfig CORS 中间件配置
type CORSConfig struct {
	// AllowOrigins 允许的源列表（默认 ["*"]）
	// 支持通配符，如 "https://*.example.com"
	AllowOrigins []string

	AllowMethods []string
	AllowHeaders []string

	// ExposeHeaders 允许前端读取的响应头
	ExposeHeaders []string

	// AllowCredentials 为 true 时 AllowOrigins 不能为 ["*"]
	AllowCredentials bool

	// MaxAge 预检结果缓存时间
	MaxAge time.Duration
}

// DefaultCORSConfig 默认允许所有源
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
		},
		ExposeHeaders: []string{"Traceparent"},
		MaxAge:        12 * time.Hour,
	}
}

// CORS 跨域中间件
// 非跨域请求与不允许的源直接放行，由浏览器拒绝
func CORS(cfgs ...*CORSConfig) gin.HandlerFunc {
	cfg := DefaultCORSConfig()
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}

	allowAll := len(cfg.AllowOrigins) == 0 || lo.Contains(cfg.AllowOrigins, "*")
	if cfg.AllowCredentials && allowAll {
		panic("middleware: CORS AllowCredentials cannot be used with AllowOrigins [\"*\"]")
	}

	wildcards, exact := lo.FilterReject(cfg.AllowOrigins, func(o string, _ int) bool {
		return strings.Contains(o, "*")
	})
	exactSet := lo.SliceToMap(exact, func(o string) (string, struct{}) { return o, struct{}{} })

	allowMethods := strings.Join(cfg.AllowMethods, ", ")
	allowHeaders := strings.Join(cfg.AllowHeaders, ", ")
	exposeHeaders := strings.Join(cfg.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(int(cfg.MaxAge.Seconds()))

	allowed := func(origin string) bool {
		if allowAll {
			return true
		}
		if _, ok := exactSet[origin]; ok {
			return true
		}
		return lo.ContainsBy(wildcards, func(p string) bool { return matchWildcard(origin, p) })
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !allowed(origin) {
			c.Next()
			return
		}

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if exposeHeaders != "" {
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", maxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// matchWildcard 单个 * 的通配匹配，* 至少匹配一个字符
func matchWildcard(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return origin == pattern
	}
	return len(origin) > len(prefix)+len(suffix) &&
		strings.HasPrefix(origin, prefix) &&
		strings.HasSuffix(origin, suffix)
}
