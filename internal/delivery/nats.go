package delivery

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/messaging"
)

// NATSBus fans envelopes out to every chat instance over NATS. Handle ids are
// UUIDs, so the Except filter is valid on every instance.
type NATSBus struct {
	client *messaging.NATSClient
	logger *zap.Logger
}

// NewNATSBus returns a Bus on client.
func NewNATSBus(client *messaging.NATSClient, logger *zap.Logger) *NATSBus {
	return &NATSBus{client: client, logger: logger}
}

func (b *NATSBus) Publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("delivery: marshal envelope: %w", err)
	}
	if err := b.client.Publish(messaging.SubjectDeliver, data); err != nil {
		return fmt.Errorf("delivery: publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(fn func(Envelope)) error {
	return b.client.Subscribe(messaging.SubjectDeliver, func(data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("malformed delivery envelope", zap.Error(err))
			return
		}
		fn(env)
	})
}
