package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/metrics"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zap.NewNop()), mr
}

func TestAllowWithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}
	rejected := testutil.ToFloat64(metrics.RateLimited.WithLabelValues("test"))

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, rejected+1, testutil.ToFloat64(metrics.RateLimited.WithLabelValues("test")))

	// other identifiers have their own window
	ok, err = l.Allow(ctx, "u2", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	b := l.For(Rule{Key: "rl:test:", Limit: 1, Window: 2 * time.Second})

	ok, _ := b.Allow(ctx, "u1")
	assert.True(t, ok)
	ok, _ = b.Allow(ctx, "u1")
	assert.False(t, ok)

	mr.FastForward(3 * time.Second)
	ok, _ = b.Allow(ctx, "u1")
	assert.True(t, ok)
}

func TestRetryAfter(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	b := l.For(Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second})

	// no window open yet
	assert.Equal(t, 10*time.Second, b.RetryAfter(ctx, "u1"))

	_, err := b.Allow(ctx, "u1")
	require.NoError(t, err)
	mr.FastForward(4 * time.Second)

	wait := b.RetryAfter(ctx, "u1")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 6*time.Second)
}

func TestFailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, zap.NewNop())

	ok, err := l.Allow(context.Background(), "u1", RuleSend)
	assert.Error(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleSend.Window, l.RetryAfter(context.Background(), "u1", RuleSend))
}
