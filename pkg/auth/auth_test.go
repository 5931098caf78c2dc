package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/callsignal/pkg/errors"
)

func sign(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestParse_Verified(t *testing.T) {
	p := NewParser("s3cret")
	tok := sign(t, "s3cret", jwt.MapClaims{
		"sub":   "u-1",
		"roles": []string{"student", "Tutor", "student"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	id, err := p.Parse("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.UserID)
	assert.Equal(t, []string{"STUDENT", "TUTOR"}, id.Roles)
	assert.Equal(t, tok, id.Token)
	assert.True(t, id.HasRole("tutor"))
}

func TestParse_SingleRoleClaim(t *testing.T) {
	p := NewParser("k")
	id, err := p.Parse(sign(t, "k", jwt.MapClaims{"sub": "u", "role": "admin"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ADMIN"}, id.Roles)
}

func TestParse_Rejections(t *testing.T) {
	p := NewParser("right")
	tests := []struct {
		name string
		raw  string
		want *errors.Error
	}{
		{"empty", "", ErrMissingToken},
		{"bearer only", "Bearer ", ErrMissingToken},
		{"bare bearer", "Bearer", ErrMissingToken},
		{"lowercase bearer", "bearer", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", sign(t, "wrong", jwt.MapClaims{"sub": "u"}), ErrInvalidToken},
		{"expired", sign(t, "right", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()}), ErrInvalidToken},
		{"missing sub", sign(t, "right", jwt.MapClaims{"role": "x"}), ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestStripBearer(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"Bearer", ""},
		{"BEARER  ", ""},
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer\tabc", "abc"},
		{"  Bearer   abc  ", "abc"},
		{"Bearerabc", "Bearerabc"},
		{"abc.def.ghi", "abc.def.ghi"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripBearer(tt.raw), "raw %q", tt.raw)
	}
}

func TestParse_Unverified(t *testing.T) {
	p := NewParser("")
	assert.False(t, p.Verifying())

	id, err := p.Parse(sign(t, "whatever", jwt.MapClaims{"sub": "gw-user"}))
	require.NoError(t, err)
	assert.Equal(t, "gw-user", id.UserID)
	assert.Empty(t, id.Roles)

	_, err = p.Parse(sign(t, "whatever", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}))
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/call?token=q", nil)
	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "c"})
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", TokenFromRequest(r, ""))

	r = httptest.NewRequest(http.MethodGet, "/ws/call", nil)
	r.AddCookie(&http.Cookie{Name: "sid", Value: "c"})
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "c", TokenFromRequest(r, "sid"))
	assert.Equal(t, "h", TokenFromRequest(r, ""))

	r = httptest.NewRequest(http.MethodGet, "/ws/call", nil)
	assert.Empty(t, TokenFromRequest(r, ""))
}
