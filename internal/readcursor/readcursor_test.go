package readcursor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/store/memory"
)

type urls struct{}

func (urls) URL(s string) string       { return "/attachment/" + s }
func (urls) AvatarURL(s string) string { return "/avatar/" + s }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*Tracker, *memory.Store, *clock, string) {
	t.Helper()
	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()
	st.SetClock(clk.now)
	for _, id := range []string{"alice", "bob", "carol"} {
		st.AddUser(model.User{ID: id, Name: id})
	}

	low, high := model.SortPair("alice", "bob")
	conv, _, err := st.Conversations().CreatePair(ctx, &model.Conversation{ID: uuid.NewString(), PairLow: low, PairHigh: high})
	require.NoError(t, err)
	require.NoError(t, st.Participants().Add(ctx,
		&model.Participant{ConversationID: conv.ID, UserID: "alice"},
		&model.Participant{ConversationID: conv.ID, UserID: "bob"},
	))
	return NewTracker(st, urls{}, zap.NewNop()), st, clk, conv.ID
}

func send(t *testing.T, st *memory.Store, clk *clock, convID, from, text string) {
	t.Helper()
	clk.advance(time.Second)
	err := st.Messages().Create(context.Background(), &model.Message{
		ID: uuid.NewString(), ConversationID: convID, SenderID: from, Text: &text, Status: model.StatusSent,
	})
	require.NoError(t, err)
}

func TestUnreadExcludesOwnMessages(t *testing.T) {
	tr, st, clk, convID := setup(t)
	send(t, st, clk, convID, "alice", "one")
	send(t, st, clk, convID, "bob", "two")
	send(t, st, clk, convID, "alice", "three")

	got, err := tr.Unread(context.Background(), convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "one", *got.Messages[0].Text)
	assert.Equal(t, "three", *got.Messages[1].Text)
	assert.Nil(t, got.Messages[0].Sender)

	got, err = tr.Unread(context.Background(), convID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	tr, st, clk, convID := setup(t)
	ctx := context.Background()
	send(t, st, clk, convID, "alice", "one")
	send(t, st, clk, convID, "alice", "two")

	clk.advance(time.Second)
	first, err := tr.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Marked)
	assert.Equal(t, convID, first.ConversationID)
	assert.Equal(t, clk.t, first.LastReadAt)

	clk.advance(time.Second)
	second, err := tr.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Zero(t, second.Marked)
	assert.True(t, second.LastReadAt.After(first.LastReadAt))

	got, err := tr.Unread(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Zero(t, got.Count)
	assert.NotNil(t, got.Messages)

	msgs, err := st.Messages().List(ctx, convID, 0, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, model.StatusRead, m.Status)
	}
}

func TestMarkReadLeavesOthersUnread(t *testing.T) {
	tr, st, clk, convID := setup(t)
	ctx := context.Background()
	send(t, st, clk, convID, "alice", "hi")
	send(t, st, clk, convID, "bob", "hey")

	_, err := tr.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)

	got, err := tr.Unread(ctx, convID, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "hey", *got.Messages[0].Text)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	tr, st, clk, convID := setup(t)
	ctx := context.Background()

	clk.advance(time.Hour)
	first, err := tr.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)

	clk.advance(-30 * time.Minute)
	second, err := tr.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, first.LastReadAt, second.LastReadAt)

	p, err := st.Participants().Get(ctx, convID, "bob")
	require.NoError(t, err)
	require.NotNil(t, p.LastReadAt)
	assert.Equal(t, first.LastReadAt, *p.LastReadAt)
}

func TestMessagesAfterCursorAreUnread(t *testing.T) {
	tr, st, clk, convID := setup(t)
	ctx := context.Background()
	send(t, st, clk, convID, "alice", "before")
	_, err := tr.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)

	send(t, st, clk, convID, "alice", "after")
	got, err := tr.Unread(ctx, convID, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "after", *got.Messages[0].Text)
}

func TestNonParticipantIsUnauthorized(t *testing.T) {
	tr, _, _, convID := setup(t)
	ctx := context.Background()

	_, err := tr.Unread(ctx, convID, "carol")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = tr.MarkRead(ctx, convID, "carol")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = tr.Unread(ctx, uuid.NewString(), "alice")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}
