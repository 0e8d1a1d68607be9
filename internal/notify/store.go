package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Store persists notification events for the notifier service.
type Store struct {
	db *sqlx.DB
}

// NewStore returns a Store persisting notifications with db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Save writes the event and, when it has a receiver, the receiver's
// notification row in one transaction.
func (s *Store) Save(ctx context.Context, ev Event) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("notify: begin: %w", err)
	}
	defer tx.Rollback()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	eventID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_events (id, type, text, entity_id, sender_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		eventID, ev.Type, nullable(ev.Text), nullable(ev.EntityID), nullable(ev.SenderID), ev.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("notify: insert event: %w", err)
	}

	if ev.ReceiverID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO notifications (id, event_id, receiver_id) VALUES ($1, $2, $3)`,
			uuid.NewString(), eventID, ev.ReceiverID)
		if err != nil {
			return "", fmt.Errorf("notify: insert notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("notify: commit: %w", err)
	}
	return eventID, nil
}

// Saver is what Consumer persists events with.
type Saver interface {
	Save(ctx context.Context, ev Event) (string, error)
}

// Consumer decodes raw events from a bus and persists them.
type Consumer struct {
	saver  Saver
	logger *zap.Logger
}

// NewConsumer returns a Consumer saving through saver.
func NewConsumer(saver Saver, logger *zap.Logger) *Consumer {
	return &Consumer{saver: saver, logger: logger}
}

// Handle persists one encoded event. Malformed payloads are dropped.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("dropping malformed notification", zap.Error(err))
		return nil
	}
	if ev.Type == "" {
		c.logger.Warn("dropping notification without type")
		return nil
	}
	id, err := c.saver.Save(ctx, ev)
	if err != nil {
		return err
	}
	c.logger.Debug("notification stored",
		zap.String("event_id", id), zap.String("type", ev.Type), zap.String("receiver_id", ev.ReceiverID))
	return nil
}
