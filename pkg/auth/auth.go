// Package auth 解析访问令牌，得到用户身份与角色
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"

	"github.com/tokmz/callsignal/pkg/errors"
)

var (
	ErrMissingToken = errors.New(2101, http.StatusUnauthorized, "missing token")
	ErrInvalidToken = errors.New(2102, http.StatusUnauthorized, "invalid token")
)

// DefaultCookieName 令牌 Cookie 名
const DefaultCookieName = "access_token"

// Identity 令牌中的身份信息
type Identity struct {
	UserID string
	Roles  []string
	Token  string // 原始令牌，转发给预约服务
}

// HasRole 是否拥有角色（大小写不敏感）
func (i *Identity) HasRole(role string) bool {
	return lo.Contains(i.Roles, strings.ToUpper(role))
}

// Claims 令牌声明
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Parser 令牌解析器
// secret 为空时只解码不验签，适用于网关已校验的部署
type Parser struct {
	secret []byte
	parser *jwt.Parser
}

// NewParser 创建解析器
func NewParser(secret string) *Parser {
	return &Parser{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}
}

// Verifying 是否校验签名
func (p *Parser) Verifying() bool {
	return len(p.secret) > 0
}

// Parse 解析令牌
func (p *Parser) Parse(raw string) (*Identity, error) {
	raw = StripBearer(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}

	var claims Claims
	if p.Verifying() {
		if _, err := p.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return p.secret, nil
		}); err != nil {
			return nil, ErrInvalidToken.WithError(err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
			return nil, ErrInvalidToken.WithError(err)
		}
		// 未验签时仍然拒绝过期令牌
		if err := jwt.NewValidator().Validate(claims); err != nil {
			return nil, ErrInvalidToken.WithError(err)
		}
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, ErrInvalidToken.WithError(fmt.Errorf("claim sub is required"))
	}

	roles := claims.Roles
	if claims.Role != "" {
		roles = append(roles, claims.Role)
	}
	roles = lo.Uniq(lo.FilterMap(roles, func(r string, _ int) (string, bool) {
		r = strings.ToUpper(strings.TrimSpace(r))
		return r, r != ""
	}))

	return &Identity{UserID: sub, Roles: roles, Token: raw}, nil
}

// StripBearer 去掉 Bearer 前缀，只有前缀时返回空串
func StripBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 6 || !strings.EqualFold(raw[:6], "bearer") {
		return raw
	}
	rest := raw[6:]
	switch {
	case rest == "":
		return ""
	case rest[0] == ' ' || rest[0] == '\t':
		return strings.TrimSpace(rest)
	}
	return raw
}

// TokenFromRequest 依次从查询参数 token、Cookie、Authorization 头取令牌
func TokenFromRequest(r *http.Request, cookieName string) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return StripBearer(r.Header.Get("Authorization"))
}
