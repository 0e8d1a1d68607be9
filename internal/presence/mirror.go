package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL bounds how long a crashed instance's records linger.
	DefaultTTL = 90 * time.Second
)

// Record is the cluster-wide availability entry of one user.
type Record struct {
	UserID       string `redis:"user_id"`
	ConnectionID string `redis:"connection_id"`
	Server       string `redis:"server"`
	ConnectedAt  int64  `redis:"connected_at"`
	LastActive   int64  `redis:"last_active"`
}

// Mirror publishes local presence to Redis so every instance can answer
// availability queries.
type Mirror struct {
	client     redis.Cmdable
	serverName string
	ttl        time.Duration
}

// NewMirror returns a Mirror writing records tagged with serverName. Records
// expire after ttl unless refreshed; a non-positive ttl means DefaultTTL.
func NewMirror(client redis.Cmdable, serverName string, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mirror{client: client, serverName: serverName, ttl: ttl}
}

// Register records h as the user's current connection.
func (m *Mirror) Register(ctx context.Context, h *Handle) error {
	key := KeyPrefix + h.UserID
	now := time.Now().Unix()
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"user_id", h.UserID,
		"connection_id", h.ID,
		"server", m.serverName,
		"connected_at", h.ConnectedAt.Unix(),
		"last_active", now)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: register %s: %w", h.UserID, err)
	}
	return nil
}

// unregisterScript deletes the record only if it still names the handle, so
// a late disconnect cannot erase a newer connection's record.
var unregisterScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "connection_id") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unregister removes h's record if h is still the user's current connection.
func (m *Mirror) Unregister(ctx context.Context, h *Handle) error {
	if err := unregisterScript.Run(ctx, m.client, []string{KeyPrefix + h.UserID}, h.ID).Err(); err != nil {
		return fmt.Errorf("presence: unregister %s: %w", h.UserID, err)
	}
	return nil
}

// refreshScript touches the record only while it still names the handle. A
// record deleted by Unregister or replaced by a newer connection is left
// alone.
var refreshScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "connection_id") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "last_active", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// Refresh extends the TTL of every handle's record and stamps last_active.
func (m *Mirror) Refresh(ctx context.Context, hs []*Handle) error {
	if len(hs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	pipe := m.client.Pipeline()
	for _, h := range hs {
		refreshScript.Eval(ctx, pipe, []string{KeyPrefix + h.UserID}, h.ID, now, m.ttl.Milliseconds())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	return nil
}

// Get returns the user's record, or nil if the user is offline everywhere.
func (m *Mirror) Get(ctx context.Context, userID string) (*Record, error) {
	var rec Record
	if err := m.client.HGetAll(ctx, KeyPrefix+userID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if rec.ConnectionID == "" {
		return nil, nil
	}
	return &rec, nil
}

// OnlineSet reports cluster-wide availability for each of ids.
func (m *Mirror) OnlineSet(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := m.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, KeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: online set: %w", err)
	}
	for i, id := range ids {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}
