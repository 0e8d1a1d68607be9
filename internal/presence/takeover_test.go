package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func takeoverFrom(t *testing.T, server, user string, at time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(Takeover{UserID: user, HandleID: "remote", Server: server, ConnectedAt: at.UnixNano()})
	require.NoError(t, err)
	return data
}

func TestTakeoverEvictsOlderLocalHandle(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	tk := NewNATSTakeovers(nil, r, "gw-1", zap.NewNop())
	h, c := newHandle("alice")
	r.Connect(h)

	tk.handle(takeoverFrom(t, "gw-2", "alice", h.ConnectedAt.Add(time.Second)))

	assert.Nil(t, r.Lookup("alice"))
	assert.Equal(t, []int{CloseReplaced}, c.kicked)
	// the kicked socket closing later is a no-op
	assert.False(t, r.Disconnect(h))
}

func TestTakeoverKeepsNewerLocalHandle(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	tk := NewNATSTakeovers(nil, r, "gw-1", zap.NewNop())
	h, c := newHandle("alice")
	r.Connect(h)

	// a late announcement of a connect older than ours
	tk.handle(takeoverFrom(t, "gw-2", "alice", h.ConnectedAt.Add(-time.Second)))

	assert.Same(t, h, r.Lookup("alice"))
	assert.Empty(t, c.kicked)
}

func TestTakeoverIgnoresOwnAnnouncements(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	tk := NewNATSTakeovers(nil, r, "gw-1", zap.NewNop())
	h, c := newHandle("alice")
	r.Connect(h)

	tk.handle(takeoverFrom(t, "gw-1", "alice", h.ConnectedAt.Add(time.Second)))
	tk.handle([]byte("{not json"))

	assert.Same(t, h, r.Lookup("alice"))
	assert.Empty(t, c.kicked)
}
