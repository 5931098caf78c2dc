package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/callsignal/pkg/auth"
	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/pubsub"
	"github.com/tokmz/callsignal/pkg/quality"
	"github.com/tokmz/callsignal/pkg/registry"
	"github.com/tokmz/callsignal/pkg/response"
	"github.com/tokmz/callsignal/pkg/signaling"
	"github.com/tokmz/callsignal/pkg/ws"
)

const testSecret = "test-secret"

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	calls *call.Service
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	calls := call.NewService(call.NewMemoryStore(), quality.New(), time.Hour)
	bridge := pubsub.New(nil, nil)
	sig := signaling.NewHandler(registry.New(), bridge, calls, nil, signaling.Config{RateLimit: 50})

	base := []Option{
		WithMode(gin.TestMode),
		WithSocketOptions(ws.WithHeartbeat(50*time.Millisecond, time.Second)),
	}
	srv, err := New(Deps{
		Calls:     calls,
		Signaling: sig,
		Bridge:    bridge,
		Auth:      auth.NewParser(testSecret),
	}, append(base, opts...)...)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		hs.Close()
	})
	return &testEnv{srv: srv, http: hs, calls: calls}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": "student",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *testEnv) request(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/api/calls/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var fail response.Response
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, auth.ErrMissingToken.Code, fail.Code)
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u-1")

	resp, body := env.request(t, http.MethodPost, "/api/calls/session", tok, map[string]string{"reservationId": "res-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var created CreateSessionResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "res-1", created.ReservationID)
	assert.EqualValues(t, 4200, created.TTLSeconds)

	// 同一预约返回同一会话
	_, body = env.request(t, http.MethodPost, "/api/calls/session", tok, map[string]string{"reservationId": "res-1"})
	var again CreateSessionResponse
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, created.SessionID, again.SessionID)

	resp, _ = env.request(t, http.MethodPost, "/api/calls/session", tok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.request(t, http.MethodPost, "/api/calls/"+created.SessionID+"/end", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, string(body))

	s, err := env.calls.FindBySessionID(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusEnded, s.Status)

	resp, _ = env.request(t, http.MethodPost, "/api/calls/"+created.SessionID+"/end", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/calls/missing/end", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBuildICEServers(t *testing.T) {
	tests := []struct {
		name string
		ice  ICEConfig
		want []ICEServer
	}{
		{
			name: "stun only",
			ice:  ICEConfig{STUNURLs: []string{"stun:a:3478", " ", "stun:b:3478"}},
			want: []ICEServer{{URLs: []string{"stun:a:3478"}}, {URLs: []string{"stun:b:3478"}}},
		},
		{
			name: "turn with credentials",
			ice: ICEConfig{
				STUNURLs:     []string{"stun:a:3478"},
				TURNURLs:     []string{"turn:t:3478?transport=udp", "turns:t:5349"},
				TURNUsername: "user",
				TURNPassword: "pass",
			},
			want: []ICEServer{
				{URLs: []string{"stun:a:3478"}},
				{URLs: []string{"turn:t:3478?transport=udp", "turns:t:5349"}, Username: "user", Credential: "pass"},
			},
		},
		{
			name: "turn without password is skipped",
			ice:  ICEConfig{TURNURLs: []string{"turn:t:3478"}, TURNUsername: "user"},
			want: []ICEServer{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildICEServers(tt.ice))
		})
	}
}

func TestICEServersEndpoint(t *testing.T) {
	env := newTestEnv(t, WithICE(ICEConfig{STUNURLs: []string{"stun:stun.l.google.com:19302"}}))
	resp, body := env.request(t, http.MethodGet, "/api/calls/ice-servers", token(t, "u"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"urls":["stun:stun.l.google.com:19302"]}]`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.calls.Create(ctx, "res-m")
	require.NoError(t, err)
	_, err = env.calls.MarkConnected(ctx, s.SessionID)
	require.NoError(t, err)

	resp, body := env.request(t, http.MethodGet, "/api/calls/metrics", token(t, "u"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m MetricsResponse
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, 1, m.Samples)
	assert.EqualValues(t, 1, m.LiveCalls)
	assert.Equal(t, 1.0, m.SuccessRate)
	// 无分布式后端
	assert.False(t, m.PubSubHealthy)
	assert.Zero(t, m.Connections)
}

func wsURL(env *testEnv, tok string) string {
	u := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/call"
	if tok != "" {
		u += "?token=" + tok
	}
	return u
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signaling.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env signaling.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestSocketHandshakeRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env, ""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(env, "garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocketSignalingRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(env, token(t, "alice")), nil)
	require.NoError(t, err)
	defer alice.Close()

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "JOIN", "sessionId": "new", "reservationId": "res-ws"}))
	ack := readEnvelope(t, alice)
	require.Equal(t, signaling.TypeJoinAck, ack.Type)
	assert.Equal(t, "alice", ack.To)
	room := ack.SessionID

	bob, _, err := websocket.DefaultDialer.Dial(wsURL(env, token(t, "bob")), nil)
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, bob.WriteJSON(map[string]string{"type": "JOIN", "sessionId": room}))
	ack = readEnvelope(t, bob)
	require.Equal(t, signaling.TypeJoinAck, ack.Type)
	assert.Equal(t, "res-ws", ack.ReservationID)

	joined := readEnvelope(t, alice)
	assert.Equal(t, signaling.TypePeerJoined, joined.Type)
	assert.Equal(t, "bob", joined.From)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "OFFER", "payload": map[string]string{"sdp": "v=0"}}))
	offer := readEnvelope(t, bob)
	assert.Equal(t, signaling.TypeOffer, offer.Type)
	assert.Equal(t, "alice", offer.From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))

	assert.Eventually(t, func() bool { return env.srv.Sockets().Count() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	left := readEnvelope(t, alice)
	assert.Equal(t, signaling.TypePeerLeft, left.Type)
	assert.Equal(t, "bob", left.From)
}

func TestSocketUnsupportedTypeKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, token(t, "carol")), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "WAVE"}))
	e := readEnvelope(t, conn)
	assert.Equal(t, signaling.TypeError, e.Type)
	assert.JSONEq(t, `{"message":"400: unsupported message type WAVE"}`, string(e.Payload))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "OFFER"}))
	e = readEnvelope(t, conn)
	assert.JSONEq(t, `{"message":"400: missing sessionId"}`, string(e.Payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, signaling.CloseNotAcceptable, ce.Code)
}
