// Package ratelimit provides Redis-backed fixed-window rate limiting. A Redis
// outage never blocks traffic: every check fails open.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/metrics"
)

// Rule defines a rate limiting policy. Name labels rejections in metrics.
type Rule struct {
	Name   string
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSend allows 30 message sends per 10 seconds per user.
	RuleSend = Rule{Name: "send", Key: "rl:send:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket upgrades per minute per client address.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}

	// RuleTyping allows 10 typing indicators per 5 seconds per user.
	RuleTyping = Rule{Name: "typing", Key: "rl:typing:", Limit: 10, Window: 5 * time.Second}
)

// incrScript increments the counter and starts the window on first use in one
// round trip, so a crash between the two steps cannot leave a key without TTL.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewLimiter returns a Limiter issuing its commands on client, which may be a
// single node, a cluster or a ring.
func NewLimiter(client redis.Cmdable, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Allow counts one request for identifier under rule and reports whether it
// is within the limit. On Redis errors it returns true with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := incrScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing", zap.String("key", key), zap.Error(err))
		return true, err
	}
	if count > int64(rule.Limit) {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		return false, nil
	}
	return true, nil
}

// RetryAfter returns how long until identifier's current window under rule
// resets. It falls back to the full window when the key is gone or Redis
// cannot answer.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		l.logger.Warn("rate limit ttl lookup failed", zap.String("key", rule.Key+identifier), zap.Error(err))
		return rule.Window
	}
	// -2 for a missing key, -1 for a key without expiry
	if ttl <= 0 {
		return rule.Window
	}
	return ttl
}

// Bound is a Limiter fixed to one rule.
type Bound struct {
	l    *Limiter
	rule Rule
}

// For binds the limiter to rule, for callers that only ever check one policy.
func (l *Limiter) For(rule Rule) *Bound { return &Bound{l: l, rule: rule} }

func (b *Bound) Allow(ctx context.Context, identifier string) (bool, error) {
	return b.l.Allow(ctx, identifier, b.rule)
}

func (b *Bound) RetryAfter(ctx context.Context, identifier string) time.Duration {
	return b.l.RetryAfter(ctx, identifier, b.rule)
}
