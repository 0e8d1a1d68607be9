// Package presence tracks which users have a live connection. A user has at
// most one handle at a time: the latest connect wins and the replaced
// connection is closed. Across instances the same rule is enforced by
// broadcasting each connect as a Takeover.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/metrics"
)

// Close code and reason sent to a connection that a newer connect replaced.
const (
	CloseReplaced       = 4001
	CloseReplacedReason = "session replaced"
)

// Conn is the transport side of a handle.
type Conn interface {
	Send(payload []byte) error
	Kick(code int, reason string)
}

// Handle is one live connection of one user. ID is unique across instances.
type Handle struct {
	ID          string
	UserID      string
	Conn        Conn
	ConnectedAt time.Time
}

// Registry maps user ids to their current handle.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Handle
	logger *zap.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{byUser: make(map[string]*Handle), logger: logger}
}

// Connect makes h the user's current handle. A previous handle, if any, is
// returned after being kicked.
func (r *Registry) Connect(h *Handle) *Handle {
	r.mu.Lock()
	prev := r.byUser[h.UserID]
	r.byUser[h.UserID] = h
	r.mu.Unlock()

	if prev == nil {
		metrics.WSConnections.Inc()
		r.logger.Debug("connected", zap.String("user_id", h.UserID), zap.String("handle", h.ID))
		return nil
	}
	if prev.ID == h.ID {
		return nil
	}
	r.logger.Info("connection replaced",
		zap.String("user_id", h.UserID),
		zap.String("old_handle", prev.ID),
		zap.String("new_handle", h.ID))
	prev.Conn.Kick(CloseReplaced, CloseReplacedReason)
	return prev
}

// Disconnect removes h if it is still the user's current handle. It reports
// whether anything was removed; a stale handle closing after a reconnect is a
// no-op.
func (r *Registry) Disconnect(h *Handle) bool {
	r.mu.Lock()
	cur, ok := r.byUser[h.UserID]
	if !ok || cur.ID != h.ID {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, h.UserID)
	r.mu.Unlock()

	metrics.WSConnections.Dec()
	r.logger.Debug("disconnected", zap.String("user_id", h.UserID), zap.String("handle", h.ID))
	return true
}

// Evict closes and removes the user's current handle if it connected before
// the given time, which is how a newer connect on another instance takes the
// session over. It reports whether a handle was evicted.
func (r *Registry) Evict(userID string, before time.Time) bool {
	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if !ok || !cur.ConnectedAt.Before(before) {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, userID)
	r.mu.Unlock()

	metrics.WSConnections.Dec()
	r.logger.Info("connection replaced remotely", zap.String("user_id", userID), zap.String("old_handle", cur.ID))
	cur.Conn.Kick(CloseReplaced, CloseReplacedReason)
	return true
}

// Lookup returns the user's current handle or nil.
func (r *Registry) Lookup(userID string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

func (r *Registry) Online(userID string) bool {
	return r.Lookup(userID) != nil
}

// OnlineSet reports local availability for each of ids.
func (r *Registry) OnlineSet(_ context.Context, ids []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, out[id] = r.byUser[id]
	}
	return out, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Handles returns a snapshot of all current handles.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.byUser))
	for _, h := range r.byUser {
		out = append(out, h)
	}
	return out
}
