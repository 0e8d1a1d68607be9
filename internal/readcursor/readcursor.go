// Package readcursor tracks how far each participant has read a conversation
// and derives unread sets from it.
//
// A message is unread by user U when it was not sent by U, is not READ, and
// was created after U's cursor. A missing cursor counts as the Unix epoch.
package readcursor

import (
	"context"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/conversation"
	"github.com/parley/chat-core/internal/metrics"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/store"
	"github.com/parley/chat-core/internal/view"
)

// Tracker advances read cursors and reports unread messages.
type Tracker struct {
	store    store.Store
	resolver view.Resolver
	logger   *zap.Logger
}

// NewTracker returns a Tracker rendering messages through resolver.
func NewTracker(st store.Store, resolver view.Resolver, logger *zap.Logger) *Tracker {
	return &Tracker{store: st, resolver: resolver, logger: logger}
}

func (t *Tracker) participant(ctx context.Context, st store.Store, conversationID, userID string) (*model.Participant, error) {
	_, member, err := conversation.Lookup(ctx, st, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperr.Unauthorized("you are not a participant of this conversation")
	}
	p, err := st.Participants().Get(ctx, conversationID, userID)
	if err != nil {
		return nil, apperr.Upstream("failed to load participant", err)
	}
	if p == nil {
		return nil, apperr.Unauthorized("you are not a participant of this conversation")
	}
	return p, nil
}

// Unread returns the messages userID has not read yet, oldest first, without
// sender profiles.
func (t *Tracker) Unread(ctx context.Context, conversationID, userID string) (*view.Unread, error) {
	p, err := t.participant(ctx, t.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := t.store.Messages().ListUnread(ctx, conversationID, userID, p.ReadCursor())
	if err != nil {
		return nil, apperr.Upstream("failed to load unread messages", err)
	}
	out := &view.Unread{Count: len(msgs), Messages: make([]view.Message, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, view.NewMessage(m, nil, t.resolver))
	}
	return out, nil
}

// MarkRead flips the unread set to READ and advances the cursor to now in one
// transaction. The cursor never moves backwards, and a repeated call changes
// no message.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, userID string) (*view.ReadReceipt, error) {
	receipt := &view.ReadReceipt{ConversationID: conversationID}
	err := t.store.WithTx(ctx, func(tx store.Store) error {
		p, err := t.participant(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		if receipt.Marked, err = tx.Messages().MarkRead(ctx, conversationID, userID, p.ReadCursor()); err != nil {
			return apperr.Upstream("failed to mark messages read", err)
		}
		if receipt.LastReadAt, err = tx.Participants().AdvanceReadCursor(ctx, conversationID, userID); err != nil {
			return apperr.Upstream("failed to advance read cursor", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues("read").Add(float64(receipt.Marked))
	t.logger.Debug("conversation read",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Int64("marked", receipt.Marked))
	return receipt, nil
}
