// Package gateway binds WebSocket connections to the chat core: it registers
// presence on connect, relays typing indicators through the delivery router,
// and acknowledges mark_read requests.
package gateway

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/conversation"
	"github.com/parley/chat-core/internal/delivery"
	"github.com/parley/chat-core/internal/presence"
	"github.com/parley/chat-core/internal/protocol"
	"github.com/parley/chat-core/internal/store"
	"github.com/parley/chat-core/internal/view"
	"github.com/parley/chat-core/internal/ws"
)

// Mirror publishes presence changes cluster-wide.
type Mirror interface {
	Register(ctx context.Context, h *presence.Handle) error
	Unregister(ctx context.Context, h *presence.Handle) error
}

// Announcer tells the other instances about a new connection so they close
// the user's older one.
type Announcer interface {
	Announce(h *presence.Handle) error
}

// Deliverer pushes events to live connections.
type Deliverer interface {
	Deliver(ctx context.Context, ev delivery.Event)
}

// ReadMarker marks a conversation read for a user.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID string) (*view.ReadReceipt, error)
}

// Throttle bounds how often a user may emit typing indicators.
type Throttle interface {
	Allow(ctx context.Context, userID string) (bool, error)
	RetryAfter(ctx context.Context, userID string) time.Duration
}

// Gateway routes socket lifecycle events and client frames into presence and
// delivery.
type Gateway struct {
	registry *presence.Registry
	mirror   Mirror
	announce Announcer
	typing   Throttle
	router   Deliverer
	reads    ReadMarker
	store    store.Store
	logger   *zap.Logger
	timeout  time.Duration
}

// New returns a Gateway with neither a presence mirror nor a typing throttle.
func New(registry *presence.Registry, router Deliverer, reads ReadMarker, st store.Store, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		router:   router,
		reads:    reads,
		store:    st,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// UseMirror enables the cluster-wide presence mirror.
func (g *Gateway) UseMirror(m Mirror) { g.mirror = m }

// UseAnnouncer extends session takeover to the whole cluster.
func (g *Gateway) UseAnnouncer(a Announcer) { g.announce = a }

// UseThrottle rate limits typing indicators per user.
func (g *Gateway) UseThrottle(t Throttle) { g.typing = t }

// Attach installs the gateway's hooks and handlers on a server and its
// dispatcher.
func (g *Gateway) Attach(srv *ws.Server, d *ws.MessageDispatcher) {
	srv.SetOnConnect(g.OnConnect)
	srv.SetOnDisconnect(g.OnDisconnect)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeMarkRead, g.handleMarkRead)
}

func handleOf(c *ws.Connection) *presence.Handle {
	return &presence.Handle{ID: c.ID, UserID: c.UserID, Conn: c, ConnectedAt: c.CreatedAt}
}

// OnConnect makes c its user's current handle, replacing any older one, and
// greets the client.
func (g *Gateway) OnConnect(c *ws.Connection) {
	h := handleOf(c)
	g.registry.Connect(h)
	if g.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		if err := g.mirror.Register(ctx, h); err != nil {
			g.logger.Warn("presence mirror register failed", zap.String("user_id", c.UserID), zap.Error(err))
		}
		cancel()
	}
	if g.announce != nil {
		if err := g.announce.Announce(h); err != nil {
			g.logger.Warn("takeover announce failed", zap.String("user_id", c.UserID), zap.Error(err))
		}
	}
	ws.Reply(c, g.logger, protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: c.ID, UserID: c.UserID})
}

// OnDisconnect drops c's presence if it is still the user's current handle.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	h := handleOf(c)
	g.registry.Disconnect(h)
	if g.mirror != nil {
		// compare-and-delete on the handle id, safe for a replaced handle
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		if err := g.mirror.Unregister(ctx, h); err != nil {
			g.logger.Warn("presence mirror unregister failed", zap.String("user_id", c.UserID), zap.Error(err))
		}
		cancel()
	}
}

func (g *Gateway) handleTyping(c *ws.Connection, msg any) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	conv, member, err := conversation.Lookup(ctx, g.store, m.ConversationID, c.UserID)
	if err != nil {
		g.replyError(c, err)
		return
	}
	if !member {
		g.replyError(c, apperr.NotFound("conversation not found"))
		return
	}
	if g.typing != nil {
		// throttle errors fail open
		if allowed, _ := g.typing.Allow(ctx, c.UserID); !allowed {
			secs := int(math.Ceil(g.typing.RetryAfter(ctx, c.UserID).Seconds()))
			ws.Reply(c, g.logger, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: max(secs, 1)})
			return
		}
	}
	g.router.Deliver(ctx, delivery.Event{
		ConversationID: conv.ID,
		SenderID:       c.UserID,
		Recipients:     []string{conv.PairLow, conv.PairHigh},
		Payload: protocol.MustServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
			ConversationID: conv.ID,
			From:           c.UserID,
			IsTyping:       m.IsTyping,
		}),
	})
}

func (g *Gateway) handleMarkRead(c *ws.Connection, msg any) {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	receipt, err := g.reads.MarkRead(ctx, m.ConversationID, c.UserID)
	if err != nil {
		g.replyError(c, err)
		return
	}
	ws.Reply(c, g.logger, protocol.TypeRead, protocol.ReadMsg{
		ConversationID: receipt.ConversationID,
		Count:          receipt.Marked,
	})
}

func (g *Gateway) replyError(c *ws.Connection, err error) {
	code := protocol.CodeInternal
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		code = protocol.CodeBadRequest
	case apperr.KindUnauthorized:
		code = protocol.CodeUnauthorized
	case apperr.KindNotFound:
		code = protocol.CodeNotFound
	default:
		g.logger.Error("websocket request failed", zap.String("connection_id", c.ID), zap.Error(err))
	}
	ws.Reply(c, g.logger, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: apperr.Message(err)})
}
