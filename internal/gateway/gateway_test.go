package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/delivery"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/presence"
	"github.com/parley/chat-core/internal/protocol"
	"github.com/parley/chat-core/internal/store/memory"
	"github.com/parley/chat-core/internal/view"
	wsconn "github.com/parley/chat-core/internal/ws"
)

type markerFunc func(ctx context.Context, conv, user string) (*view.ReadReceipt, error)

func (f markerFunc) MarkRead(ctx context.Context, conv, user string) (*view.ReadReceipt, error) {
	return f(ctx, conv, user)
}

type recMirror struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (m *recMirror) Register(_ context.Context, h *presence.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, h.ID)
	return nil
}

func (m *recMirror) Unregister(_ context.Context, h *presence.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, h.ID)
	return nil
}

type env struct {
	t        *testing.T
	gw       *Gateway
	registry *presence.Registry
	mirror   *recMirror
	convID   string
}

func newEnv(t *testing.T, marker ReadMarker) *env {
	t.Helper()
	st := memory.New()
	low, high := model.SortPair("alice", "bob")
	conv, _, err := st.Conversations().CreatePair(context.Background(), &model.Conversation{
		ID: uuid.NewString(), PairLow: low, PairHigh: high,
	})
	require.NoError(t, err)

	reg := presence.NewRegistry(zap.NewNop())
	router := delivery.NewRouter(reg, delivery.Config{}, zap.NewNop())
	if marker == nil {
		marker = markerFunc(func(context.Context, string, string) (*view.ReadReceipt, error) {
			return nil, apperr.Upstream("unused", nil)
		})
	}
	gw := New(reg, router, marker, st, zap.NewNop())
	m := &recMirror{}
	gw.UseMirror(m)
	return &env{t: t, gw: gw, registry: reg, mirror: m, convID: conv.ID}
}

// dial creates a server-side connection for user backed by an in-memory pipe
// and returns it with the client end.
func (e *env) dial(user string) (*wsconn.Connection, net.Conn) {
	server, client := net.Pipe()
	e.t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &wsconn.Connection{ID: uuid.NewString(), UserID: user, Conn: server, CreatedAt: time.Now()}, client
}

// connect runs OnConnect and consumes the greeting.
func (e *env) connect(user string) (*wsconn.Connection, net.Conn) {
	c, client := e.dial(user)
	go e.gw.OnConnect(c)
	got := read(e.t, client)
	require.Equal(e.t, protocol.TypeConnected, got["type"])
	require.Equal(e.t, c.ID, got["connection_id"])
	return c, client
}

func read(t *testing.T, client net.Conn) map[string]any {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(client)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestConnectRegistersPresence(t *testing.T) {
	e := newEnv(t, nil)
	c, _ := e.connect("alice")

	h := e.registry.Lookup("alice")
	require.NotNil(t, h)
	assert.Equal(t, c.ID, h.ID)
	assert.Equal(t, []string{c.ID}, e.mirror.registered)

	e.gw.OnDisconnect(c)
	assert.Nil(t, e.registry.Lookup("alice"))
	assert.Equal(t, []string{c.ID}, e.mirror.unregistered)
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	e := newEnv(t, nil)
	old, oldClient := e.connect("alice")

	fresh, freshClient := e.dial("alice")
	go e.gw.OnConnect(fresh)

	require.NoError(t, oldClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := ws.ReadFrame(oldClient)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, frame.Header.OpCode)
	code, reason := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, ws.StatusCode(presence.CloseReplaced), code)
	assert.Equal(t, presence.CloseReplacedReason, reason)
	assert.Equal(t, protocol.TypeConnected, read(t, freshClient)["type"])

	// the old socket closing afterwards must not evict the new one
	e.gw.OnDisconnect(old)
	h := e.registry.Lookup("alice")
	require.NotNil(t, h)
	assert.Equal(t, fresh.ID, h.ID)
}

func TestTypingRelayedToOtherParticipant(t *testing.T) {
	e := newEnv(t, nil)
	alice, _ := e.connect("alice")
	_, bobClient := e.connect("bob")

	go e.gw.handleTyping(alice, protocol.TypingMsg{ConversationID: e.convID, IsTyping: true})

	got := read(t, bobClient)
	assert.Equal(t, protocol.TypeTyping, got["type"])
	assert.Equal(t, "alice", got["from"])
	assert.Equal(t, e.convID, got["conversation_id"])
	assert.Equal(t, true, got["is_typing"])
}

func TestTypingFromOutsiderIsRejected(t *testing.T) {
	e := newEnv(t, nil)
	carol, carolClient := e.connect("carol")

	go e.gw.handleTyping(carol, protocol.TypingMsg{ConversationID: e.convID, IsTyping: true})

	got := read(t, carolClient)
	assert.Equal(t, protocol.TypeError, got["type"])
	assert.Equal(t, protocol.CodeNotFound, got["code"])
}

func TestMarkReadAcknowledged(t *testing.T) {
	var gotUser string
	e := newEnv(t, markerFunc(func(_ context.Context, conv, user string) (*view.ReadReceipt, error) {
		gotUser = user
		return &view.ReadReceipt{ConversationID: conv, Marked: 3}, nil
	}))
	bob, bobClient := e.connect("bob")

	go e.gw.handleMarkRead(bob, protocol.MarkReadMsg{ConversationID: e.convID})

	got := read(t, bobClient)
	assert.Equal(t, protocol.TypeRead, got["type"])
	assert.Equal(t, e.convID, got["conversation_id"])
	assert.Equal(t, float64(3), got["count"])
	assert.Equal(t, "bob", gotUser)
}

func TestMarkReadErrorMapped(t *testing.T) {
	e := newEnv(t, markerFunc(func(context.Context, string, string) (*view.ReadReceipt, error) {
		return nil, apperr.Unauthorized("you are not a participant of this conversation")
	}))
	carol, carolClient := e.connect("carol")

	go e.gw.handleMarkRead(carol, protocol.MarkReadMsg{ConversationID: e.convID})

	got := read(t, carolClient)
	assert.Equal(t, protocol.TypeError, got["type"])
	assert.Equal(t, protocol.CodeUnauthorized, got["code"])
	assert.Equal(t, "you are not a participant of this conversation", got["message"])
}

type denyTyping struct{ wait time.Duration }

func (denyTyping) Allow(context.Context, string) (bool, error) { return false, nil }

func (d denyTyping) RetryAfter(context.Context, string) time.Duration { return d.wait }

func TestTypingOverLimitIsRateLimited(t *testing.T) {
	e := newEnv(t, nil)
	e.gw.UseThrottle(denyTyping{wait: 2500 * time.Millisecond})
	alice, aliceClient := e.connect("alice")
	_, bobClient := e.connect("bob")

	go e.gw.handleTyping(alice, protocol.TypingMsg{ConversationID: e.convID, IsTyping: true})

	got := read(t, aliceClient)
	assert.Equal(t, protocol.TypeRateLimited, got["type"])
	assert.Equal(t, float64(3), got["retry_after"])

	// nothing reaches the other participant
	require.NoError(t, bobClient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := wsutil.ReadServerText(bobClient)
	assert.Error(t, err)
}

type announcerFunc func(h *presence.Handle) error

func (f announcerFunc) Announce(h *presence.Handle) error { return f(h) }

func TestConnectAnnouncesTakeover(t *testing.T) {
	e := newEnv(t, nil)
	announced := make(chan *presence.Handle, 1)
	e.gw.UseAnnouncer(announcerFunc(func(h *presence.Handle) error {
		announced <- h
		return nil
	}))

	c, _ := e.connect("alice")

	select {
	case h := <-announced:
		assert.Equal(t, c.ID, h.ID)
		assert.Equal(t, "alice", h.UserID)
		assert.Equal(t, c.CreatedAt, h.ConnectedAt)
	case <-time.After(time.Second):
		t.Fatal("connect was not announced")
	}
}
