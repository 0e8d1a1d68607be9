// Package message owns the durable, ordered message log of conversations:
// send with attachments and live push, paginated history, and deletion.
package message

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/attachment"
	"github.com/parley/chat-core/internal/conversation"
	"github.com/parley/chat-core/internal/delivery"
	"github.com/parley/chat-core/internal/metrics"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/notify"
	"github.com/parley/chat-core/internal/protocol"
	"github.com/parley/chat-core/internal/store"
	"github.com/parley/chat-core/internal/view"
)

// Files stores, resolves and removes attachment blobs.
type Files interface {
	view.Resolver
	StoreAll(ctx context.Context, ups []attachment.Upload) ([]string, error)
	DeleteAll(ctx context.Context, stored []string) int
}

// Deliverer pushes events to live connections. It never fails the caller.
type Deliverer interface {
	Deliver(ctx context.Context, ev delivery.Event)
}

// Throttle limits how often one user may send.
type Throttle interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Config bounds what a single send or page request may carry.
type Config struct {
	MaxAttachments     int
	MaxAttachmentBytes int64
	MaxTextChars       int
	MaxPerPage         int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttachments:     10,
		MaxAttachmentBytes: 10 << 20,
		MaxTextChars:       5000,
		MaxPerPage:         100,
	}
}

// Service sends, lists and deletes messages within conversations.
type Service struct {
	store    store.Store
	files    Files
	router   Deliverer
	notifier notify.Sink
	throttle Throttle
	cfg      Config
	logger   *zap.Logger
	newID    func() string
}

// NewService returns a Service. A nil notifier disables notification events;
// throttling is off until UseThrottle is called.
func NewService(st store.Store, files Files, router Deliverer, notifier notify.Sink, cfg Config, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    st,
		files:    files,
		router:   router,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// UseThrottle enables per-sender send limiting.
func (s *Service) UseThrottle(t Throttle) { s.throttle = t }

// SendInput is one send request. Text may be empty when Uploads is not.
type SendInput struct {
	ConversationID string
	SenderID       string
	Text           string
	Uploads        []attachment.Upload
}

// Send persists a message and pushes it to the other participant's live
// connection. Attachments are written first; if any upload or the insert
// fails, nothing is persisted and written blobs are removed.
func (s *Service) Send(ctx context.Context, in SendInput) (*view.Message, error) {
	start := time.Now()

	text := normalizeText(in.Text)
	if err := s.validate(text, in.Uploads); err != nil {
		return nil, err
	}

	conv, member, err := conversation.Lookup(ctx, s.store, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	if !member {
		return nil, apperr.Unauthorized("you are not a participant of this conversation")
	}

	// only sends that would otherwise go through count against the window
	if s.throttle != nil {
		// a limiter error has already been logged and fails open
		if ok, _ := s.throttle.Allow(ctx, in.SenderID); !ok {
			return nil, apperr.RateLimited("sending too fast, slow down")
		}
	}

	stored, err := s.files.StoreAll(ctx, in.Uploads)
	if err != nil {
		return nil, apperr.Upstream("failed to store attachment", err)
	}

	msg := &model.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Text:           text,
		Attachments:    stored,
		Status:         model.StatusSent,
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Messages().Create(ctx, msg); err != nil {
			return err
		}
		return tx.Conversations().Touch(ctx, conv.ID)
	})
	if err != nil {
		s.files.DeleteAll(context.WithoutCancel(ctx), stored)
		return nil, apperr.Upstream("failed to save message", err)
	}

	profiles, err := conversation.Profiles(ctx, s.store.Users(), s.files, in.SenderID)
	if err != nil {
		// the message is committed; fall back to an id-only sender
		s.logger.Warn("sender profile lookup failed", zap.String("user_id", in.SenderID), zap.Error(err))
		profiles = map[string]view.Profile{in.SenderID: {ID: in.SenderID}}
	}
	sender := profiles[in.SenderID]
	out := view.NewMessage(msg, &sender, s.files)

	s.router.Deliver(ctx, delivery.Event{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Recipients:     []string{conv.PairLow, conv.PairHigh},
		Payload:        protocol.MustServerMessage(protocol.TypeMessage, protocol.MessageEvent{From: in.SenderID, Data: out}),
	})

	preview := ""
	if text != nil {
		preview = *text
	}
	s.notifier.Notify(ctx, notify.Event{
		SenderID:   in.SenderID,
		ReceiverID: conv.Opponent(in.SenderID),
		Text:       preview,
		Type:       notify.TypeMessage,
		EntityID:   conv.ID,
	})

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	s.logger.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.Int("attachments", len(stored)))
	return &out, nil
}

// List returns one page of a conversation's messages, oldest first. Pages
// start at 1; perPage must be positive and is capped at Config.MaxPerPage.
func (s *Service) List(ctx context.Context, conversationID, userID string, page, perPage int) (*view.MessagePage, error) {
	if page < 1 || perPage < 1 {
		return nil, apperr.Validation("page and per_page must be positive")
	}
	if s.cfg.MaxPerPage > 0 && perPage > s.cfg.MaxPerPage {
		perPage = s.cfg.MaxPerPage
	}

	conv, member, err := conversation.Lookup(ctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperr.NotFound("conversation not found")
	}

	total, err := s.store.Messages().Count(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Upstream("failed to count messages", err)
	}
	msgs, err := s.store.Messages().List(ctx, conv.ID, (page-1)*perPage, perPage)
	if err != nil {
		return nil, apperr.Upstream("failed to list messages", err)
	}

	receiverID := conv.Opponent(userID)
	profiles, err := conversation.Profiles(ctx, s.store.Users(), s.files, userID, receiverID)
	if err != nil {
		return nil, err
	}
	out := &view.MessagePage{
		Messages:   make([]view.Message, 0, len(msgs)),
		Pagination: view.NewPagination(total, page, perPage),
	}
	for _, m := range msgs {
		p := profiles[m.SenderID]
		out.Messages = append(out.Messages, view.NewMessage(m, &p, s.files))
	}
	receiver := profiles[receiverID]
	out.Receiver = &receiver
	return out, nil
}

// Delete removes a message sent by userID, then its attachment blobs. Blob
// failures are logged; the message stays deleted.
func (s *Service) Delete(ctx context.Context, messageID, userID string) error {
	var msg *model.Message
	if _, err := uuid.Parse(messageID); err == nil {
		if msg, err = s.store.Messages().Get(ctx, messageID); err != nil {
			return apperr.Upstream("failed to load message", err)
		}
	}
	if msg == nil {
		return apperr.NotFound("message not found")
	}
	if msg.SenderID != userID {
		return apperr.Unauthorized("you can only delete your own messages")
	}

	if err := s.store.Messages().Delete(ctx, msg.ID); err != nil {
		return apperr.Upstream("failed to delete message", err)
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()

	if failed := s.files.DeleteAll(context.WithoutCancel(ctx), msg.Attachments); failed > 0 {
		s.logger.Warn("message deleted with orphaned attachments",
			zap.String("message_id", msg.ID), zap.Int("failed", failed))
	}
	return nil
}
