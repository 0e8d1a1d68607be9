// Package notify emits notification events for the wider application. Sinks
// are fire-and-forget: a failure is logged and never reaches the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/messaging"
)

// TypeMessage is the notification type for a new chat message.
const TypeMessage = "message"

// Event mirrors a notification row: who caused it, who receives it, and the
// entity it points at. Every field but Type is optional.
type Event struct {
	SenderID   string    `json:"sender_id,omitempty"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	Type       string    `json:"type"`
	EntityID   string    `json:"entity_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sink emits notification events. Emitting never fails the caller.
type Sink interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

func encode(ev Event) ([]byte, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal: %w", err)
	}
	return data, nil
}

// Publisher is the slice of the NATS client the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events on messaging.SubjectNotification.
type NATSSink struct {
	pub    Publisher
	logger *zap.Logger
}

func NewNATSSink(pub Publisher, logger *zap.Logger) *NATSSink {
	return &NATSSink{pub: pub, logger: logger}
}

func (s *NATSSink) Notify(_ context.Context, ev Event) {
	data, err := encode(ev)
	if err == nil {
		err = s.pub.Publish(messaging.SubjectNotification, data)
	}
	if err != nil {
		s.logger.Warn("notification publish failed",
			zap.String("type", ev.Type), zap.String("receiver_id", ev.ReceiverID), zap.Error(err))
	}
}

// KafkaSink writes events to a topic, keyed by receiver so one receiver's
// events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink returns a sink writing asynchronously to topic, keyed by
// receiver so each user's events stay ordered.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("notification write failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (s *KafkaSink) Notify(ctx context.Context, ev Event) {
	data, err := encode(ev)
	if err == nil {
		err = s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ReceiverID), Value: data, Time: time.Now()})
	}
	if err != nil {
		s.logger.Warn("notification enqueue failed",
			zap.String("type", ev.Type), zap.String("receiver_id", ev.ReceiverID), zap.Error(err))
	}
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Notify(ctx, ev)
	}
}
