package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/eligibility"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/pubsub"
	"github.com/tokmz/callsignal/pkg/quality"
	"github.com/tokmz/callsignal/pkg/registry"
)

type fakeConn struct {
	id, user, token string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
}

func newConn(id, user string) *fakeConn {
	return &fakeConn{id: id, user: user, token: "tok-" + user}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }
func (c *fakeConn) Token() string  { return c.token }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("closed")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed, c.code, c.reason = true, code, reason
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var e Envelope
		require.NoError(t, json.Unmarshal(f, &e))
		out = append(out, e)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) Envelope {
	t.Helper()
	envs := c.envelopes(t)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

func (c *fakeConn) ofType(t *testing.T, typ Type) []Envelope {
	var out []Envelope
	for _, e := range c.envelopes(t) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) closeState() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

type checkerFunc func(reservationID, userID, token string) eligibility.Result

func (f checkerFunc) CheckReservation(_ context.Context, reservationID, userID, token string) eligibility.Result {
	return f(reservationID, userID, token)
}

type fixture struct {
	h      *Handler
	reg    *registry.Registry
	bridge *pubsub.Bridge
	calls  *call.Service
	logs   *observer.ObservedLogs
	now    time.Time
}

func newFixture(t *testing.T, checker eligibility.Checker, rateLimit int) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	log := logger.NewFromZap(zap.New(core))

	f := &fixture{
		reg:  registry.New(),
		logs: logs,
		now:  time.UnixMilli(1_700_000_000_000),
	}
	clock := func() time.Time { return f.now }
	f.bridge = pubsub.New(nil, log)
	f.calls = call.NewService(call.NewMemoryStore(), quality.New(quality.WithClock(clock)), time.Hour, call.WithClock(clock))
	f.h = NewHandler(f.reg, f.bridge, f.calls, checker, Config{RateLimit: rateLimit, Logger: log, Clock: clock})
	return f
}

func (f *fixture) send(c *fakeConn, raw string) {
	f.h.HandleMessage(context.Background(), c, []byte(raw))
}

func (f *fixture) join(t *testing.T, c *fakeConn, sessionID, reservationID string) Envelope {
	t.Helper()
	f.send(c, fmt.Sprintf(`{"type":"JOIN","sessionId":%q,"reservationId":%q}`, sessionID, reservationID))
	acks := c.ofType(t, TypeJoinAck)
	require.NotEmpty(t, acks, "no JOIN_ACK, got %v", c.envelopes(t))
	return acks[len(acks)-1]
}

func allowAll() eligibility.Checker { return eligibility.AllowAll{} }

func initiator(t *testing.T, e Envelope) bool {
	var p JoinAckPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	return p.Initiator
}

func errorMessage(t *testing.T, e Envelope) string {
	require.Equal(t, TypeError, e.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	return p.Message
}

func TestJoin_HappyPath(t *testing.T) {
	var seenToken string
	f := newFixture(t, checkerFunc(func(res, user, token string) eligibility.Result {
		seenToken = token
		role := call.RoleStudent
		if user == "tutor" {
			role = call.RoleTutor
		}
		return eligibility.Result{Eligible: true, Role: role}
	}), 20)

	student := newConn("c1", "student")
	ack := f.join(t, student, "client-session", "res-1")
	assert.True(t, initiator(t, ack))
	assert.Equal(t, "res-1", ack.ReservationID)
	assert.Equal(t, ServerID, ack.From)
	assert.Equal(t, "student", ack.To)
	assert.NotEmpty(t, ack.TraceID)
	assert.Equal(t, "tok-student", seenToken)
	room := ack.SessionID
	require.NotEmpty(t, room)

	// 自己的 PEER_JOINED 不回显
	assert.Empty(t, student.ofType(t, TypePeerJoined))

	tutor := newConn("c2", "tutor")
	ack2 := f.join(t, tutor, room, "res-1")
	assert.False(t, initiator(t, ack2))
	assert.Equal(t, room, ack2.SessionID)

	joined := student.ofType(t, TypePeerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "tutor", joined[0].From)
	assert.Empty(t, tutor.ofType(t, TypePeerJoined))

	assert.Equal(t, 2, f.reg.Count(room))
	assert.Equal(t, 1, f.bridge.Subscribers(pubsub.Channel(room)))

	s, err := f.calls.FindBySessionID(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, call.StatusConnecting, s.Status)
	require.Len(t, s.Participants, 2)
	assert.Equal(t, call.RoleTutor, s.Participants[1].Role)
}

func TestJoin_ResolvesReservationFromSession(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	room := f.join(t, newConn("c1", "a"), "x", "res-9").SessionID

	b := newConn("c2", "b")
	f.send(b, fmt.Sprintf(`{"type":"JOIN","sessionId":%q}`, room))
	ack := b.last(t)
	require.Equal(t, TypeJoinAck, ack.Type)
	assert.Equal(t, "res-9", ack.ReservationID)
}

func TestJoin_RoomFull(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	room := f.join(t, newConn("c1", "a"), "x", "r").SessionID
	f.join(t, newConn("c2", "b"), room, "r")

	third := newConn("c3", "c")
	f.send(third, fmt.Sprintf(`{"type":"JOIN","sessionId":%q,"reservationId":"r"}`, room))

	assert.Equal(t, "409: Room full", errorMessage(t, third.last(t)))
	closed, code, _ := third.closeState()
	assert.True(t, closed)
	assert.Equal(t, CloseNotAcceptable, code)
	assert.Equal(t, 2, f.reg.Count(room))
	assert.False(t, f.reg.Has(room, "c"))
}

func TestJoin_ValidationFailures(t *testing.T) {
	inactive := checkerFunc(func(string, string, string) eligibility.Result {
		return eligibility.Result{Reason: eligibility.ReasonNotActive}
	})
	tests := []struct {
		name    string
		checker eligibility.Checker
		user    string
		raw     string
		want    string
	}{
		{"missing identity", allowAll(), "", `{"type":"JOIN","sessionId":"s","reservationId":"r"}`, "400: missing user identity"},
		{"missing session", allowAll(), "u", `{"type":"JOIN","reservationId":"r"}`, "400: missing sessionId"},
		{"missing reservation", allowAll(), "u", `{"type":"JOIN","sessionId":"unknown"}`, "400: missing reservationId"},
		{"not eligible", inactive, "u", `{"type":"JOIN","sessionId":"s","reservationId":"r"}`, "403: reservation not active"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.checker, 20)
			c := newConn("c1", tt.user)
			f.send(c, tt.raw)

			assert.Equal(t, tt.want, errorMessage(t, c.last(t)))
			closed, code, _ := c.closeState()
			assert.True(t, closed)
			assert.Equal(t, CloseNotAcceptable, code)
			assert.Zero(t, f.reg.Rooms())
		})
	}
}

func TestJoin_FromUsedWithoutHandshakeIdentity(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	c := newConn("c1", "")
	f.send(c, `{"type":"JOIN","sessionId":"s","reservationId":"r","from":"anon"}`)
	ack := c.last(t)
	require.Equal(t, TypeJoinAck, ack.Type)
	assert.True(t, f.reg.Has(ack.SessionID, "anon"))
}

func TestJoin_SessionReservationMismatch(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	room := f.join(t, newConn("c1", "a"), "x", "res-1").SessionID

	b := newConn("c2", "b")
	f.send(b, fmt.Sprintf(`{"type":"JOIN","sessionId":%q,"reservationId":"res-2"}`, room))

	assert.Equal(t, "500: session/reservation mismatch", errorMessage(t, b.last(t)))
	closed, code, _ := b.closeState()
	assert.True(t, closed)
	assert.Equal(t, CloseServerError, code)
	assert.NotEmpty(t, f.logs.FilterMessage("session/reservation mismatch").All())
}

func TestRelay_OfferReachesPeerOnly(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a, b := newConn("c1", "a"), newConn("c2", "b")
	room := f.join(t, a, "x", "r").SessionID
	f.join(t, b, room, "r")

	f.send(a, `{"type":"OFFER","payload":{"sdp":"v=0"},"from":"spoofed","traceId":"tr-1"}`)

	offers := b.ofType(t, TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "a", offers[0].From)
	assert.Equal(t, room, offers[0].SessionID)
	assert.Equal(t, "tr-1", offers[0].TraceID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offers[0].Payload))
	assert.Empty(t, a.ofType(t, TypeOffer))

	f.send(b, fmt.Sprintf(`{"type":"ANSWER","sessionId":%q,"payload":{"sdp":"v=0"}}`, room))
	assert.Len(t, a.ofType(t, TypeAnswer), 1)
}

func TestRelay_IceCandidateMarksTurn(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a, b := newConn("c1", "a"), newConn("c2", "b")
	room := f.join(t, a, "x", "r").SessionID
	f.join(t, b, room, "r")

	f.send(a, `{"type":"ICE_CANDIDATE","payload":{"candidate":"candidate:1 1 udp 2122260223 192.168.1.5 54321 typ host"}}`)
	s, _ := f.calls.FindBySessionID(context.Background(), room)
	assert.False(t, s.TurnUsed)

	f.send(a, `{"type":"ICE_CANDIDATE","payload":{"candidate":"candidate:9 1 udp 16777215 203.0.113.7 3478 typ relay raddr 0.0.0.0 rport 0"}}`)
	s, _ = f.calls.FindBySessionID(context.Background(), room)
	assert.True(t, s.TurnUsed)
	assert.Len(t, b.ofType(t, TypeICECandidate), 2)
}

func TestRelay_ConnectedAndEnd(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a, b := newConn("c1", "a"), newConn("c2", "b")
	room := f.join(t, a, "x", "r").SessionID
	f.join(t, b, room, "r")

	f.now = f.now.Add(1500 * time.Millisecond)
	f.send(a, `{"type":"RTC_CONNECTED"}`)
	f.send(b, `{"type":"RTC_CONNECTED"}`)
	s, _ := f.calls.FindBySessionID(context.Background(), room)
	assert.Equal(t, call.StatusConnected, s.Status)
	assert.EqualValues(t, 1500, s.Metrics.SetupMs)
	assert.Len(t, b.ofType(t, TypeRTCConnected), 1)
	assert.Equal(t, 1, f.calls.Snapshot().Samples)

	f.now = f.now.Add(time.Minute)
	f.send(a, `{"type":"END"}`)
	f.send(b, `{"type":"LEAVE"}`)
	s, _ = f.calls.FindBySessionID(context.Background(), room)
	assert.Equal(t, call.StatusEnded, s.Status)
	assert.EqualValues(t, time.Minute.Milliseconds(), s.Metrics.TotalDurationMs)
	assert.Len(t, b.ofType(t, TypeEnd), 1)
	assert.Len(t, a.ofType(t, TypeLeave), 1)
	assert.Zero(t, f.calls.LiveCalls())

	assert.False(t, a.IsClosed())
	assert.False(t, b.IsClosed())
}

func TestRelay_UnknownSessionStillRelays(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	var got [][]byte
	f.bridge.Subscribe(context.Background(), pubsub.Channel("ghost"), func(p []byte) error {
		got = append(got, p)
		return nil
	})

	c := newConn("c1", "a")
	f.send(c, `{"type":"END","sessionId":"ghost"}`)

	assert.Len(t, got, 1)
	assert.False(t, c.IsClosed())
	assert.NotEmpty(t, f.logs.FilterMessage("call session not found").All())
}

func TestRelay_MissingTarget(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	c := newConn("c1", "a")
	f.send(c, `{"type":"OFFER"}`)
	assert.Equal(t, "400: missing sessionId", errorMessage(t, c.last(t)))
	closed, code, _ := c.closeState()
	assert.True(t, closed)
	assert.Equal(t, CloseNotAcceptable, code)
}

func TestUnsupportedTypeKeepsConnection(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	c := newConn("c1", "a")
	f.send(c, `{"type":"DANCE","traceId":"tr-x"}`)

	last := c.last(t)
	assert.Equal(t, "400: unsupported message type DANCE", errorMessage(t, last))
	assert.Equal(t, "tr-x", last.TraceID)
	assert.False(t, c.IsClosed())
}

func TestMalformedFrameClosesWithServerError(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	c := newConn("c1", "a")
	f.send(c, `{"type":`)

	assert.Contains(t, errorMessage(t, c.last(t)), "500: malformed envelope")
	closed, code, _ := c.closeState()
	assert.True(t, closed)
	assert.Equal(t, CloseServerError, code)
}

func TestHeartbeatConsumesRateLimit(t *testing.T) {
	f := newFixture(t, allowAll(), 2)
	c := newConn("c1", "a")

	f.send(c, `{"type":"HEARTBEAT"}`)
	f.send(c, `{"type":"HEARTBEAT"}`)
	assert.Empty(t, c.envelopes(t))
	assert.False(t, c.IsClosed())

	f.send(c, `{"type":"HEARTBEAT"}`)
	assert.Equal(t, "429: rate limit exceeded", errorMessage(t, c.last(t)))
	closed, code, _ := c.closeState()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicy, code)
}

func TestRateLimitWindowRollsOver(t *testing.T) {
	f := newFixture(t, allowAll(), 1)
	c := newConn("c1", "a")

	f.send(c, `{"type":"HEARTBEAT"}`)
	f.now = f.now.Add(time.Second)
	f.send(c, `{"type":"HEARTBEAT"}`)
	assert.False(t, c.IsClosed())
}

func TestDisconnect_PublishesPeerLeft(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a, b := newConn("c1", "a"), newConn("c2", "b")
	room := f.join(t, a, "x", "r").SessionID
	f.join(t, b, room, "r")

	f.h.HandleDisconnect(context.Background(), a)

	assert.False(t, f.reg.Has(room, "a"))
	left := b.ofType(t, TypePeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "a", left[0].From)
	assert.Equal(t, room, left[0].SessionID)

	s, _ := f.calls.FindBySessionID(context.Background(), room)
	p, ok := s.Participant("a")
	require.True(t, ok)
	assert.NotZero(t, p.LeftAt)

	// 重复断开不再发布
	f.h.HandleDisconnect(context.Background(), a)
	assert.Len(t, b.ofType(t, TypePeerLeft), 1)
}

func TestDisconnect_NeverJoinedIsSilent(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a := newConn("c1", "a")
	room := f.join(t, a, "x", "r").SessionID
	before := len(a.envelopes(t))

	f.h.HandleDisconnect(context.Background(), newConn("c9", "z"))

	assert.Len(t, a.envelopes(t), before)
	assert.Equal(t, 1, f.reg.Count(room))
}

func TestReconnect_ReplacesStaleHandle(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a, b := newConn("c1", "a"), newConn("c2", "b")
	room := f.join(t, a, "x", "r").SessionID
	f.join(t, b, room, "r")

	a2 := newConn("c3", "a")
	ack := f.join(t, a2, room, "r")
	assert.False(t, initiator(t, ack))

	closed, code, reason := a.closeState()
	assert.True(t, closed)
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, "replaced by a newer connection", reason)

	cur, ok := f.reg.Lookup(room, "a")
	require.True(t, ok)
	assert.Same(t, a2, cur)

	f.h.HandleDisconnect(context.Background(), a)
	assert.True(t, f.reg.Has(room, "a"))
	assert.Empty(t, b.ofType(t, TypePeerLeft))
	assert.Equal(t, 2, f.reg.Count(room))
}

func TestFanoutSkipsClosedMember(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	a, b := newConn("c1", "a"), newConn("c2", "b")
	room := f.join(t, a, "x", "r").SessionID
	f.join(t, b, room, "r")

	var observed [][]byte
	f.bridge.Subscribe(context.Background(), pubsub.Channel(room), func(p []byte) error {
		observed = append(observed, p)
		return nil
	})

	b.Close(CloseNormal, "")
	f.send(a, `{"type":"OFFER"}`)

	assert.Len(t, observed, 1)
	assert.False(t, a.IsClosed())
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	f := newFixture(t, allowAll(), 20)
	room := f.join(t, newConn("c0", "u0"), "x", "r").SessionID

	var wg sync.WaitGroup
	conns := make([]*fakeConn, 8)
	for i := range conns {
		conns[i] = newConn(fmt.Sprintf("c%d", i+1), fmt.Sprintf("u%d", i+1))
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			f.send(c, fmt.Sprintf(`{"type":"JOIN","sessionId":%q,"reservationId":"r"}`, room))
		}(conns[i])
	}
	wg.Wait()

	assert.Equal(t, 2, f.reg.Count(room))
	rejected := 0
	for _, c := range conns {
		if c.IsClosed() {
			rejected++
		}
	}
	assert.Equal(t, 7, rejected)
}

// gatedBackend 的 Subscribe 阻塞到 release 关闭
type gatedBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Publish(context.Context, string, []byte) error { return nil }

func (g *gatedBackend) Subscribe(context.Context, string, func([]byte)) error {
	close(g.entered)
	<-g.release
	return nil
}

func (g *gatedBackend) Close() error { return nil }

func TestSubscribeRoom_ConcurrentJoinerWaitsForRegistration(t *testing.T) {
	gb := &gatedBackend{entered: make(chan struct{}), release: make(chan struct{})}
	bridge := pubsub.New(gb, nil)
	h := NewHandler(registry.New(), bridge, nil, allowAll(), Config{RateLimit: 20})

	firstDone := make(chan struct{})
	go func() {
		h.subscribeRoom(context.Background(), "room-1")
		close(firstDone)
	}()
	<-gb.entered

	secondDone := make(chan struct{})
	go func() {
		h.subscribeRoom(context.Background(), "room-1")
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second joiner returned before the room subscription completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(gb.release)
	<-firstDone
	<-secondDone
	assert.Equal(t, 1, bridge.Subscribers(pubsub.Channel("room-1")))
	assert.True(t, bridge.Healthy())
}
