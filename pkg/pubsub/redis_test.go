package pubsub

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/callsignal/pkg/errors"
)

// lazyClient 不会主动建立连接，dispatch/encode 测试无需 Redis
func lazyClient() redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
}

func TestRedisBackend_DropsOwnFrames(t *testing.T) {
	a := NewRedisBackend(lazyClient(), WithNodeID("node-a"))
	b := NewRedisBackend(lazyClient(), WithNodeID("node-b"))
	assert.Equal(t, "node-a", a.NodeID())

	var atA, atB [][]byte
	a.handlers["call:1"] = func(p []byte) { atA = append(atA, p) }
	b.handlers["call:1"] = func(p []byte) { atB = append(atB, p) }

	raw, err := a.encode([]byte(`{"type":"OFFER"}`))
	require.NoError(t, err)

	a.dispatch("call:1", raw)
	b.dispatch("call:1", raw)

	assert.Empty(t, atA)
	require.Len(t, atB, 1)
	assert.JSONEq(t, `{"type":"OFFER"}`, string(atB[0]))
}

func TestRedisBackend_FrameFormat(t *testing.T) {
	a := NewRedisBackend(lazyClient(), WithNodeID("n1"))
	raw, err := a.encode([]byte("payload"))
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "n1", f.Origin)
	assert.Equal(t, []byte("payload"), f.Data)
}

func TestRedisBackend_DropsGarbage(t *testing.T) {
	b := NewRedisBackend(lazyClient())
	called := false
	b.handlers["c"] = func([]byte) { called = true }

	b.dispatch("c", []byte("not json"))
	b.dispatch("unknown", []byte(`{"origin":"x","data":"eA=="}`))
	assert.False(t, called)
}

func TestRedisBackend_SubscribeAfterClose(t *testing.T) {
	b := NewRedisBackend(lazyClient())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Subscribe(context.Background(), "c", func([]byte) {})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestNewRedisClient_InvalidConfig(t *testing.T) {
	_, err := NewRedisClient(nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewRedisClient(&RedisConfig{Mode: RedisCluster})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewRedisClient(&RedisConfig{Mode: RedisSentinel, Addrs: []string{"x:26379"}})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewRedisClient(&RedisConfig{Mode: "ring"})
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

// TestRedisBackend_CrossNode 需要真实 Redis：CALLSIGNAL_TEST_REDIS_ADDR=localhost:6379
func TestRedisBackend_CrossNode(t *testing.T) {
	addr := os.Getenv("CALLSIGNAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CALLSIGNAL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	clientA, err := NewRedisClient(&RedisConfig{Addr: addr})
	require.NoError(t, err)
	require.NoError(t, PingRedis(ctx, clientA))
	clientB, err := NewRedisClient(&RedisConfig{Addr: addr})
	require.NoError(t, err)

	bridgeA := New(NewRedisBackend(clientA), nil)
	bridgeB := New(NewRedisBackend(clientB), nil)
	defer bridgeA.Close()
	defer bridgeB.Close()

	channel := Channel("cross-node-" + time.Now().Format("150405.000"))
	atA := make(chan []byte, 4)
	atB := make(chan []byte, 4)
	bridgeA.Subscribe(ctx, channel, func(p []byte) error { atA <- p; return nil })
	bridgeB.Subscribe(ctx, channel, func(p []byte) error { atB <- p; return nil })
	time.Sleep(100 * time.Millisecond)

	bridgeA.Publish(ctx, channel, []byte("hi"))

	select {
	case p := <-atB:
		assert.Equal(t, "hi", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("remote node did not receive message")
	}

	assert.Equal(t, "hi", string(<-atA))
	select {
	case p := <-atA:
		t.Fatalf("publisher received its own message twice: %s", p)
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, bridgeA.Healthy())
}

func TestBridge_UnreachableRedisDeliversLocally(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(&RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	pingErr := PingRedis(ctx, client)
	require.True(t, errors.Is(pingErr, ErrConnection))

	bridge := New(NewRedisBackend(client), nil, WithStartupError(pingErr))
	defer bridge.Close()
	assert.False(t, bridge.Healthy())

	var got []string
	bridge.Subscribe(ctx, Channel("s1"), func(p []byte) error { got = append(got, string(p)); return nil })
	bridge.Publish(ctx, Channel("s1"), []byte("offer"))

	assert.Equal(t, []string{"offer"}, got)
}
