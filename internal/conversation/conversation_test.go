package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/store/memory"
)

type fakeFiles struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeFiles) URL(s string) string       { return "https://cdn/attachment/" + s }
func (f *fakeFiles) AvatarURL(s string) string { return "https://cdn/avatar/" + s }

func (f *fakeFiles) DeleteAll(_ context.Context, stored []string) int {
	f.mu.Lock()
	f.deleted = append(f.deleted, stored...)
	f.mu.Unlock()
	return 0
}

type fakePresence map[string]bool

func (p fakePresence) OnlineSet(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		out[id] = p[id]
	}
	return out, nil
}

func setup(t *testing.T) (*Service, *memory.Store, *fakeFiles) {
	t.Helper()
	st := memory.New()
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	avatar := "bob.png"
	st.AddUser(model.User{ID: "alice", Name: "Alice", Email: "alice@example.com"})
	st.AddUser(model.User{ID: "bob", Name: "Bob", Email: "bob@example.com", Avatar: &avatar})
	st.AddUser(model.User{ID: "carol", Name: "Carol", Email: "carol@example.com"})
	files := &fakeFiles{}
	return NewService(st, files, fakePresence{"bob": true}, zap.NewNop()), st, files
}

func TestCreateSelfConversationConflicts(t *testing.T) {
	svc, _, _ := setup(t)
	_, _, err := svc.Create(context.Background(), "alice", "alice")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCreateUnknownParticipant(t *testing.T) {
	svc, _, _ := setup(t)
	_, _, err := svc.Create(context.Background(), "alice", "zed")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, _, err = svc.Create(context.Background(), "alice", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateIsIdempotentInEitherOrder(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	first, created, err := svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, first.Participants, 2)
	assert.Equal(t, "alice", first.Participants[0].User.ID)
	if assert.NotNil(t, first.Participants[1].User.AvatarURL) {
		assert.Equal(t, "https://cdn/avatar/bob.png", *first.Participants[1].User.AvatarURL)
	}

	second, created, err := svc.Create(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	convs, err := st.Conversations().ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
	parts, err := st.Participants().ListByConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestCreateConcurrentSinglePair(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, _, err := svc.Create(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := st.Conversations().ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
	parts, err := st.Participants().ListByConversation(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestListOrdersByRecencyWithPreview(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	ab, _, err := svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)
	ac, _, err := svc.Create(ctx, "alice", "carol")
	require.NoError(t, err)

	text := "newest"
	require.NoError(t, st.Messages().Create(ctx, &model.Message{
		ID: "m1", ConversationID: ab.ID, SenderID: "bob", Text: &text,
		Attachments: []string{"x_pic.png"}, Status: model.StatusSent,
	}))
	require.NoError(t, st.Conversations().Touch(ctx, ab.ID))

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, ab.ID, list[0].ID)
	assert.Equal(t, "bob", list[0].Opponent.ID)
	assert.True(t, list[0].Opponent.Online)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "newest", *list[0].LastMessage.Text)
	assert.Equal(t, []string{"https://cdn/attachment/x_pic.png"}, list[0].LastMessage.Attachments)

	assert.Equal(t, ac.ID, list[1].ID)
	assert.Equal(t, "carol", list[1].Opponent.ID)
	assert.False(t, list[1].Opponent.Online)
	assert.Nil(t, list[1].LastMessage)

	empty, err := svc.List(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestGetGatesOnParticipation(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()
	ab, _, err := svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)

	for i, text := range []string{"one", "two"} {
		text := text
		require.NoError(t, st.Messages().Create(ctx, &model.Message{
			ID: []string{"m1", "m2"}[i], ConversationID: ab.ID, SenderID: "alice", Text: &text, Status: model.StatusSent,
		}))
	}

	detail, err := svc.Get(ctx, ab.ID, "bob")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "one", *detail.Messages[0].Text)
	assert.Equal(t, "two", *detail.Messages[1].Text)
	require.NotNil(t, detail.Messages[0].Sender)
	assert.Equal(t, "Alice", detail.Messages[0].Sender.Name)

	_, err = svc.Get(ctx, ab.ID, "carol")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.Get(ctx, "0b7c0a52-9d0f-4d0e-9b53-3f4f0c1f7a11", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.Get(ctx, "not-a-uuid", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteCascadesAndCleansBlobs(t *testing.T) {
	svc, st, files := setup(t)
	ctx := context.Background()
	ab, _, err := svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, st.Messages().Create(ctx, &model.Message{
		ID: "m1", ConversationID: ab.ID, SenderID: "bob", Attachments: []string{"a_1.png", "b_2.pdf"}, Status: model.StatusSent,
	}))

	err = svc.Delete(ctx, ab.ID, "carol")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, svc.Delete(ctx, ab.ID, "alice"))
	assert.ElementsMatch(t, []string{"a_1.png", "b_2.pdf"}, files.deleted)

	_, err = svc.Get(ctx, ab.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	m, err := st.Messages().Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m)

	// a fresh conversation can be started after deletion
	again, created, err := svc.Create(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, ab.ID, again.ID)
}

func TestListUsers(t *testing.T) {
	svc, _, _ := setup(t)
	users, err := svc.ListUsers(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Bob", users[0].Name)
	assert.Equal(t, "Carol", users[1].Name)
}
