// Package conversation owns pairwise conversations and their participants,
// and is the participation gate for every other chat operation.
package conversation

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/store"
	"github.com/parley/chat-core/internal/view"
)

// Presence answers whether users currently have a live connection.
type Presence interface {
	OnlineSet(ctx context.Context, ids []string) (map[string]bool, error)
}

// Files resolves and removes stored attachments.
type Files interface {
	view.Resolver
	DeleteAll(ctx context.Context, stored []string) int
}

// Service opens, lists and deletes one-to-one conversations.
type Service struct {
	store    store.Store
	files    Files
	presence Presence
	logger   *zap.Logger
	newID    func() string
}

// NewService returns a Service answering availability from presence.
func NewService(st store.Store, files Files, presence Presence, logger *zap.Logger) *Service {
	return &Service{store: st, files: files, presence: presence, logger: logger, newID: uuid.NewString}
}

// Lookup loads a conversation and reports whether userID participates in it.
// conv is nil when the conversation does not exist. Ids that cannot exist
// (not UUIDs) are reported as absent without a store round trip.
func Lookup(ctx context.Context, st store.Store, conversationID, userID string) (conv *model.Conversation, member bool, err error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, false, nil
	}
	conv, err = st.Conversations().Get(ctx, conversationID)
	if err != nil {
		return nil, false, apperr.Upstream("failed to load conversation", err)
	}
	if conv == nil {
		return nil, false, nil
	}
	return conv, conv.Has(userID), nil
}

// Profiles loads the profiles of ids. Unknown users get an id-only profile.
func Profiles(ctx context.Context, users store.UserRepo, r view.Resolver, ids ...string) (map[string]view.Profile, error) {
	found, err := users.GetMany(ctx, ids)
	if err != nil {
		return nil, apperr.Upstream("failed to load users", err)
	}
	out := make(map[string]view.Profile, len(ids))
	for _, id := range ids {
		out[id] = view.NewProfile(id, found[id], r)
	}
	return out, nil
}

// member returns the conversation when userID participates and NotFound
// otherwise, so outsiders cannot tell a foreign conversation from a missing
// one.
func (s *Service) member(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, ok, err := Lookup(ctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

// Create starts a conversation between requesterID and participantID, or
// returns the existing one with created=false.
func (s *Service) Create(ctx context.Context, requesterID, participantID string) (*view.Conversation, bool, error) {
	if participantID == "" {
		return nil, false, apperr.Validation("participant_id is required")
	}
	if requesterID == participantID {
		return nil, false, apperr.Conflict("cannot start a conversation with yourself")
	}

	users, err := s.store.Users().GetMany(ctx, []string{participantID})
	if err != nil {
		return nil, false, apperr.Upstream("failed to load users", err)
	}
	if users[participantID] == nil {
		return nil, false, apperr.NotFound("user not found")
	}

	low, high := model.SortPair(requesterID, participantID)
	var (
		conv    *model.Conversation
		created bool
	)
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		conv, created, err = tx.Conversations().CreatePair(ctx, &model.Conversation{ID: s.newID(), PairLow: low, PairHigh: high})
		if err != nil || !created {
			return err
		}
		return tx.Participants().Add(ctx,
			&model.Participant{ConversationID: conv.ID, UserID: requesterID},
			&model.Participant{ConversationID: conv.ID, UserID: participantID},
		)
	})
	if err != nil {
		return nil, false, apperr.Upstream("failed to create conversation", err)
	}
	if created {
		s.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
	}

	v, err := s.build(ctx, conv)
	if err != nil {
		return nil, false, err
	}
	return v, created, nil
}

func (s *Service) build(ctx context.Context, conv *model.Conversation) (*view.Conversation, error) {
	parts, err := s.store.Participants().ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Upstream("failed to load participants", err)
	}
	profiles, err := Profiles(ctx, s.store.Users(), s.files, conv.PairLow, conv.PairHigh)
	if err != nil {
		return nil, err
	}
	out := &view.Conversation{
		ID:           conv.ID,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		Participants: make([]view.Participant, 0, len(parts)),
	}
	for _, p := range parts {
		out.Participants = append(out.Participants, view.Participant{
			User:       profiles[p.UserID],
			LastReadAt: p.LastReadAt,
			JoinedAt:   p.JoinedAt,
		})
	}
	return out, nil
}

// List returns userID's conversations, most recently active first, each with
// the opponent and the latest message.
func (s *Service) List(ctx context.Context, userID string) ([]view.ConversationSummary, error) {
	convs, err := s.store.Conversations().ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream("failed to list conversations", err)
	}
	out := make([]view.ConversationSummary, 0, len(convs))
	if len(convs) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(convs))
	opponents := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
		opponents = append(opponents, c.Opponent(userID))
	}

	latest, err := s.store.Messages().Latest(ctx, ids)
	if err != nil {
		return nil, apperr.Upstream("failed to load latest messages", err)
	}
	profiles, err := Profiles(ctx, s.store.Users(), s.files, opponents...)
	if err != nil {
		return nil, err
	}
	online := map[string]bool{}
	if s.presence != nil {
		if online, err = s.presence.OnlineSet(ctx, opponents); err != nil {
			s.logger.Warn("presence lookup failed", zap.Error(err))
			online = map[string]bool{}
		}
	}

	for _, c := range convs {
		opp := c.Opponent(userID)
		sum := view.ConversationSummary{
			ID:        c.ID,
			UpdatedAt: c.UpdatedAt,
			Opponent:  view.Opponent{Profile: profiles[opp], Online: online[opp]},
		}
		if m := latest[c.ID]; m != nil {
			v := view.NewMessage(m, nil, s.files)
			sum.LastMessage = &v
		}
		out = append(out, sum)
	}
	return out, nil
}

// Get returns the conversation with its participants and full history.
func (s *Service) Get(ctx context.Context, conversationID, userID string) (*view.ConversationDetail, error) {
	conv, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	base, err := s.build(ctx, conv)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.Messages().List(ctx, conv.ID, 0, 0)
	if err != nil {
		return nil, apperr.Upstream("failed to load messages", err)
	}

	senders := make(map[string]*view.Profile, len(base.Participants))
	for i := range base.Participants {
		p := base.Participants[i].User
		senders[p.ID] = &p
	}
	detail := &view.ConversationDetail{Conversation: *base, Messages: make([]view.Message, 0, len(msgs))}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, view.NewMessage(m, senders[m.SenderID], s.files))
	}
	return detail, nil
}

// Delete removes the conversation, its participants and messages, then the
// messages' attachment blobs on a best-effort basis.
func (s *Service) Delete(ctx context.Context, conversationID, userID string) error {
	conv, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}

	var blobs []string
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		msgs, err := tx.Messages().List(ctx, conv.ID, 0, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			blobs = append(blobs, m.Attachments...)
		}
		return tx.Conversations().Delete(ctx, conv.ID)
	})
	if err != nil {
		return apperr.Upstream("failed to delete conversation", err)
	}

	if failed := s.files.DeleteAll(context.WithoutCancel(ctx), blobs); failed > 0 {
		s.logger.Warn("conversation deleted with orphaned attachments",
			zap.String("conversation_id", conv.ID), zap.Int("failed", failed))
	}
	s.logger.Info("conversation deleted", zap.String("conversation_id", conv.ID), zap.String("by", userID))
	return nil
}

// ListUsers returns every other user, for starting new conversations.
func (s *Service) ListUsers(ctx context.Context, userID string) ([]view.Profile, error) {
	users, err := s.store.Users().ListExcept(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream("failed to list users", err)
	}
	out := make([]view.Profile, 0, len(users))
	for _, u := range users {
		out = append(out, view.NewProfile(u.ID, u, s.files))
	}
	return out, nil
}
