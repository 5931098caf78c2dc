package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func TestLimiter_Boundary(t *testing.T) {
	clock := newClock()
	l := New(3, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(), "acquire %d", i+1)
	}
	assert.False(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	// 同一秒内的亚秒推进不会重置窗口
	clock.Advance(900 * time.Millisecond)
	assert.False(t, l.TryAcquire())

	clock.Advance(100 * time.Millisecond)
	assert.True(t, l.TryAcquire())
}

func TestLimiter_ZeroLimit(t *testing.T) {
	l := New(0)
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 0, l.Limit())

	assert.False(t, New(-5).TryAcquire())
}

func TestLimiter_Concurrent(t *testing.T) {
	clock := newClock()
	l := New(50, WithClock(clock.Now))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, granted.Load())
}

func TestKeyed_IsolatesKeys(t *testing.T) {
	clock := newClock()
	k := NewKeyed(1, WithClock(clock.Now))

	require.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())

	k.Forget("a")
	assert.Equal(t, 1, k.Len())
	assert.True(t, k.Allow("a"), "forgotten key starts a fresh window")
}
