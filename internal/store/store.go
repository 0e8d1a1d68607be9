// Package store defines the transactional record store the chat core runs on.
//
// Single-record getters return (nil, nil) when the record does not exist.
// Lists are ordered as documented per method and never nil on success.
package store

import (
	"context"
	"time"

	"github.com/parley/chat-core/internal/model"
)

// Store is a handle on the record store. Handles passed to the WithTx
// callback run every repo call inside that transaction.
type Store interface {
	Users() UserRepo
	Conversations() ConversationRepo
	Participants() ParticipantRepo
	Messages() MessageRepo

	// WithTx runs fn in one atomic unit. fn's error rolls the unit back and
	// is returned unchanged. Calling WithTx on a transactional handle joins
	// the running transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// UserRepo reads user profiles.
type UserRepo interface {
	// GetMany returns the users that exist among ids, keyed by id.
	GetMany(ctx context.Context, ids []string) (map[string]*model.User, error)
	// ListExcept returns every user but userID, ordered by name then id.
	ListExcept(ctx context.Context, userID string) ([]*model.User, error)
}

// ConversationRepo stores conversations. A pair of users has at most one.
type ConversationRepo interface {
	// CreatePair inserts c unless a conversation for the same pair already
	// exists, in which case the existing row is returned with created=false.
	// Safe under concurrent calls for one pair.
	CreatePair(ctx context.Context, c *model.Conversation) (conv *model.Conversation, created bool, err error)
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// ListForUser returns conversations containing userID, most recently
	// updated first.
	ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error)
	// Touch sets updated_at to the store's current time.
	Touch(ctx context.Context, id string) error
	// Delete removes the conversation with its participants and messages.
	Delete(ctx context.Context, id string) error
}

// ParticipantRepo stores conversation membership and read cursors.
type ParticipantRepo interface {
	Add(ctx context.Context, ps ...*model.Participant) error
	Get(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	// ListByConversation returns participants in join order.
	ListByConversation(ctx context.Context, conversationID string) ([]*model.Participant, error)
	// AdvanceReadCursor moves last_read_at to the store's current time unless
	// it already lies beyond it, and returns the resulting cursor.
	AdvanceReadCursor(ctx context.Context, conversationID, userID string) (time.Time, error)
}

// MessageRepo stores messages in conversation order.
type MessageRepo interface {
	// Create persists m. The store assigns Seq and CreatedAt.
	Create(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	// List returns messages oldest first. A non-positive limit means no limit.
	List(ctx context.Context, conversationID string, offset, limit int) ([]*model.Message, error)
	Count(ctx context.Context, conversationID string) (int, error)
	// Latest returns the newest message of each listed conversation that has one.
	Latest(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error)
	// ListUnread returns, oldest first, messages not sent by userID, not READ,
	// and created after since.
	ListUnread(ctx context.Context, conversationID, userID string, since time.Time) ([]*model.Message, error)
	// MarkRead sets status READ on the ListUnread set and returns how many
	// rows changed.
	MarkRead(ctx context.Context, conversationID, userID string, since time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
}
