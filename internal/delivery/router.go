// Package delivery pushes conversation events to the live connections of the
// conversation's participants.
//
// The sender's own handle is excluded when the sender has one at send time.
// When it has none, nothing is filtered. A sender who reconnects before the
// envelope is delivered is still skipped, by user id. Delivery is best-effort: offline participants
// get nothing and send failures are logged, never returned.
package delivery

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/metrics"
	"github.com/parley/chat-core/internal/presence"
)

// Event is one push to a conversation.
type Event struct {
	ConversationID string
	SenderID       string
	Recipients     []string // participant ids, sender included
	Payload        []byte   // encoded server frame
}

// Envelope is an Event after sender resolution, as it travels between
// instances.
type Envelope struct {
	ConversationID string          `json:"conversation_id"`
	Recipients     []string        `json:"recipients"`
	Sender         string          `json:"sender,omitempty"`
	Except         string          `json:"except,omitempty"` // handle id to skip
	Payload        json.RawMessage `json:"payload"`
}

// Bus carries envelopes to every instance, this one included.
type Bus interface {
	Publish(env Envelope) error
	Subscribe(fn func(Envelope)) error
}

// HandleLocator finds a user's connection elsewhere in the cluster.
type HandleLocator interface {
	Get(ctx context.Context, userID string) (*presence.Record, error)
}

// Report counts the outcome of one local delivery.
type Report struct {
	Delivered, Excluded, Offline, Failed int
}

// Config sizes the router's delivery worker pool.
type Config struct {
	Workers   int // 0 delivers on the caller's goroutine
	QueueSize int
}

// DefaultConfig returns the pool used by the chat server.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 1024}
}

// Router fans conversation events out to live connections, optionally across
// instances through a Bus.
type Router struct {
	registry *presence.Registry
	locator  HandleLocator
	bus      Bus
	logger   *zap.Logger

	queue  chan Envelope
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewRouter returns a Router over registry. With cfg.Workers > 0 deliveries
// are queued and pushed by a pool of workers; Close drains it.
func NewRouter(registry *presence.Registry, cfg Config, logger *zap.Logger) *Router {
	r := &Router{registry: registry, logger: logger}
	if cfg.Workers > 0 {
		if cfg.QueueSize < 1 {
			cfg.QueueSize = 1
		}
		r.queue = make(chan Envelope, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}
	return r
}

// UseLocator lets the router find a sender connected to another instance.
func (r *Router) UseLocator(l HandleLocator) { r.locator = l }

// UseBus routes every delivery through b and delivers what b receives.
func (r *Router) UseBus(b Bus) error {
	if err := b.Subscribe(r.enqueue); err != nil {
		return err
	}
	r.bus = b
	return nil
}

// senderHandle returns the id of the sender's live handle, or "".
func (r *Router) senderHandle(ctx context.Context, senderID string) string {
	if h := r.registry.Lookup(senderID); h != nil {
		return h.ID
	}
	if r.locator == nil {
		return ""
	}
	rec, err := r.locator.Get(ctx, senderID)
	if err != nil {
		r.logger.Warn("sender lookup failed", zap.String("user_id", senderID), zap.Error(err))
		return ""
	}
	if rec == nil {
		return ""
	}
	return rec.ConnectionID
}

// Deliver pushes ev to every live participant connection except the sender's.
func (r *Router) Deliver(ctx context.Context, ev Event) {
	env := Envelope{
		ConversationID: ev.ConversationID,
		Recipients:     ev.Recipients,
		Sender:         ev.SenderID,
		Except:         r.senderHandle(ctx, ev.SenderID),
		Payload:        ev.Payload,
	}

	if r.bus != nil {
		err := r.bus.Publish(env)
		if err == nil {
			return
		}
		r.logger.Warn("delivery bus publish failed, delivering locally",
			zap.String("conversation_id", ev.ConversationID), zap.Error(err))
	}
	r.enqueue(env)
}

func (r *Router) enqueue(env Envelope) {
	if r.queue == nil {
		r.DeliverLocal(env)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- env:
	default:
		metrics.DeliveriesTotal.WithLabelValues("dropped").Add(float64(len(env.Recipients)))
		r.logger.Warn("delivery queue full, dropping", zap.String("conversation_id", env.ConversationID))
	}
}

func (r *Router) worker() {
	defer r.wg.Done()
	for env := range r.queue {
		r.DeliverLocal(env)
	}
}

// DeliverLocal pushes env to the recipients connected to this instance.
func (r *Router) DeliverLocal(env Envelope) Report {
	var rep Report
	for _, userID := range env.Recipients {
		h := r.registry.Lookup(userID)
		switch {
		case h == nil:
			rep.Offline++
			metrics.DeliveriesTotal.WithLabelValues("offline").Inc()
		case env.Except != "" && (h.ID == env.Except || userID == env.Sender):
			rep.Excluded++
			metrics.DeliveriesTotal.WithLabelValues("excluded").Inc()
		default:
			if err := h.Conn.Send(env.Payload); err != nil {
				rep.Failed++
				metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
				r.logger.Warn("push failed",
					zap.String("conversation_id", env.ConversationID),
					zap.String("user_id", userID),
					zap.String("handle", h.ID),
					zap.Error(err))
				continue
			}
			rep.Delivered++
			metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}
	return rep
}

// Close stops the workers after the queued envelopes are delivered.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
