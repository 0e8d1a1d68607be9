package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/presence"
)

type recConn struct {
	mu   sync.Mutex
	got  [][]byte
	fail error
}

func (c *recConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, p)
	return nil
}

func (c *recConn) Kick(int, string) {}

func (c *recConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func connect(reg *presence.Registry, user, handle string) *recConn {
	c := &recConn{}
	reg.Connect(&presence.Handle{ID: handle, UserID: user, Conn: c})
	return c
}

func TestDeliverExcludesConnectedSender(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{}, zap.NewNop())
	a := connect(reg, "alice", "h-a")
	b := connect(reg, "bob", "h-b")

	r.Deliver(context.Background(), Event{
		ConversationID: "c1", SenderID: "alice",
		Recipients: []string{"alice", "bob"}, Payload: []byte(`{"type":"message"}`),
	})

	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}

func TestDeliverUnfilteredWhenSenderOffline(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{}, zap.NewNop())
	b := connect(reg, "bob", "h-b")

	env := Envelope{ConversationID: "c1", Recipients: []string{"alice", "bob"}, Except: r.senderHandle(context.Background(), "alice")}
	assert.Empty(t, env.Except)

	rep := r.DeliverLocal(env)
	assert.Equal(t, Report{Delivered: 1, Offline: 1}, rep)
	assert.Equal(t, 1, b.count())
}

func TestDeliverSwallowsSendErrors(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{}, zap.NewNop())
	connect(reg, "alice", "h-a")
	b := connect(reg, "bob", "h-b")
	b.fail = errors.New("broken pipe")

	rep := r.DeliverLocal(Envelope{ConversationID: "c1", Recipients: []string{"alice", "bob"}, Except: "h-a"})
	assert.Equal(t, Report{Excluded: 1, Failed: 1}, rep)
}

type locatorFunc func(ctx context.Context, userID string) (*presence.Record, error)

func (f locatorFunc) Get(ctx context.Context, userID string) (*presence.Record, error) {
	return f(ctx, userID)
}

func TestSenderHandleFromLocator(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{}, zap.NewNop())
	r.UseLocator(locatorFunc(func(_ context.Context, id string) (*presence.Record, error) {
		if id == "alice" {
			return &presence.Record{UserID: "alice", ConnectionID: "remote-h"}, nil
		}
		return nil, nil
	}))

	assert.Equal(t, "remote-h", r.senderHandle(context.Background(), "alice"))
	assert.Equal(t, "", r.senderHandle(context.Background(), "carol"))
}

// loopBus delivers published envelopes straight back to subscribers.
type loopBus struct {
	mu   sync.Mutex
	subs []func(Envelope)
	fail error
}

func (b *loopBus) Publish(env Envelope) error {
	if b.fail != nil {
		return b.fail
	}
	b.mu.Lock()
	subs := append([]func(Envelope){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (b *loopBus) Subscribe(fn func(Envelope)) error {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return nil
}

func TestDeliverThroughBus(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{}, zap.NewNop())
	bus := &loopBus{}
	require.NoError(t, r.UseBus(bus))
	b := connect(reg, "bob", "h-b")

	r.Deliver(context.Background(), Event{ConversationID: "c1", SenderID: "alice", Recipients: []string{"alice", "bob"}, Payload: []byte(`{}`)})
	assert.Equal(t, 1, b.count())

	bus.fail = errors.New("nats down")
	r.Deliver(context.Background(), Event{ConversationID: "c1", SenderID: "alice", Recipients: []string{"alice", "bob"}, Payload: []byte(`{}`)})
	assert.Equal(t, 2, b.count(), "publish failure falls back to local delivery")
}

func TestAsyncWorkersDrainOnClose(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{Workers: 2, QueueSize: 16}, zap.NewNop())
	b := connect(reg, "bob", "h-b")

	for i := 0; i < 10; i++ {
		r.Deliver(context.Background(), Event{ConversationID: "c1", SenderID: "alice", Recipients: []string{"bob"}, Payload: []byte(`{}`)})
	}
	r.Close()
	assert.Equal(t, 10, b.count())

	// deliveries after Close are dropped silently
	r.Deliver(context.Background(), Event{ConversationID: "c1", SenderID: "alice", Recipients: []string{"bob"}, Payload: []byte(`{}`)})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 10, b.count())
}

func TestQueuedDeliverySkipsReconnectedSender(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	// a queue with no workers yet, so the envelope waits
	r := &Router{registry: reg, logger: zap.NewNop(), queue: make(chan Envelope, 4)}
	connect(reg, "alice", "h-a1")
	b := connect(reg, "bob", "h-b")

	r.Deliver(context.Background(), Event{
		ConversationID: "c1", SenderID: "alice",
		Recipients: []string{"alice", "bob"}, Payload: []byte(`{"type":"message"}`),
	})
	a2 := connect(reg, "alice", "h-a2")

	r.wg.Add(1)
	go r.worker()
	r.Close()

	assert.Equal(t, 0, a2.count())
	assert.Equal(t, 1, b.count())
}

func TestDeliverLocalSkipsSenderByUserID(t *testing.T) {
	reg := presence.NewRegistry(zap.NewNop())
	r := NewRouter(reg, Config{}, zap.NewNop())
	a := connect(reg, "alice", "h-a2")
	b := connect(reg, "bob", "h-b")

	rep := r.DeliverLocal(Envelope{ConversationID: "c1", Recipients: []string{"alice", "bob"}, Sender: "alice", Except: "h-a1"})
	assert.Equal(t, Report{Delivered: 1, Excluded: 1}, rep)
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}
